// Package catalog holds the merchant's flat, immutable description of
// products, prices, and meters. It is loaded once at start and shared
// read-only; the gateway consumes it to build payment requirements for
// gated routes and never mutates it. The Stripe-shaped read-only endpoints
// that project these entities live in the host application, not here.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// DefaultSandboxName is the sandboxes key consulted when resolving an
// external id in sandbox mode.
const DefaultSandboxName = "default"

// Entry is one key/value pair of an OrderedMap.
type Entry struct {
	Key   string
	Value string
}

// OrderedMap is a string map that preserves its JSON object order, for
// fields (features, metadata, sandboxes) whose display order the merchant
// controls.
type OrderedMap []Entry

// Get returns the value for key and whether it is present.
func (m OrderedMap) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// MarshalJSON renders the map as a JSON object in entry order.
func (m OrderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON decodes a JSON object token by token so the original key
// order survives.
func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("catalog: ordered map must be a JSON object")
	}
	var out OrderedMap
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("catalog: ordered map key must be a string")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return err
		}
		out = append(out, Entry{Key: key, Value: value})
	}
	*m = out
	return nil
}

// Deployable carries the deployment identity shared by products, prices,
// and meters: an optional deployed id plus per-sandbox external ids.
type Deployable struct {
	DeployedID *string    `json:"deployedId,omitempty"`
	Sandboxes  OrderedMap `json:"sandboxes,omitempty"`
}

// ExternalID resolves the id downstream systems know this entity by:
// sandboxes["default"] in sandbox mode, else the deployed id, falling back
// to the internal id when neither is set.
func (d Deployable) ExternalID(internalID string, isSandbox bool) string {
	if isSandbox {
		if id, ok := d.Sandboxes.Get(DefaultSandboxName); ok && id != "" {
			return id
		}
	} else if d.DeployedID != nil && *d.DeployedID != "" {
		return *d.DeployedID
	}
	return internalID
}

// PricingType distinguishes one-time from recurring prices.
type PricingType string

const (
	PricingOneTime   PricingType = "one_time"
	PricingRecurring PricingType = "recurring"
)

// Price is one way a product can be paid for.
type Price struct {
	Deployable
	ID                     string      `json:"id"`
	Currency               string      `json:"currency"`
	UnitAmount             *int64      `json:"unitAmount,omitempty"`
	PricingType            PricingType `json:"pricingType"`
	RecurringInterval      *string     `json:"recurringInterval,omitempty"`
	RecurringIntervalCount *int        `json:"recurringIntervalCount,omitempty"`
	Active                 bool        `json:"active"`
	Metadata               OrderedMap  `json:"metadata,omitempty"`
}

// Experiment marks a product as partially exposed.
type Experiment struct {
	Exposure float64 `json:"exposure"`
}

// Product is one sellable entity and its prices.
type Product struct {
	Deployable
	ID          string      `json:"id"`
	Active      bool        `json:"active"`
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Features    OrderedMap  `json:"features,omitempty"`
	Images      []string    `json:"images,omitempty"`
	Prices      []Price     `json:"prices,omitempty"`
	Experiment  *Experiment `json:"experiment,omitempty"`
	ParentID    *string     `json:"parentId,omitempty"`
}

// Meter describes a usage-measurement hook.
type Meter struct {
	Deployable
	ID                 string         `json:"id"`
	EventName          string         `json:"eventName"`
	DisplayName        *string        `json:"displayName,omitempty"`
	Status             *string        `json:"status,omitempty"`
	CustomerMapping    map[string]any `json:"customerMapping,omitempty"`
	DefaultAggregation map[string]any `json:"defaultAggregation,omitempty"`
	ValueSettings      map[string]any `json:"valueSettings,omitempty"`
}

// Catalog is the full merchant description. It is immutable after Load.
type Catalog struct {
	Products []Product `json:"products"`
	Meters   []Meter   `json:"meters,omitempty"`
}

// Load reads and decodes a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	return &c, nil
}

// Product returns the product with the given internal id.
func (c *Catalog) Product(id string) (*Product, bool) {
	for i := range c.Products {
		if c.Products[i].ID == id {
			return &c.Products[i], true
		}
	}
	return nil, false
}

// ActivePrice returns the product's first active price, the one a gated
// route charges by default.
func (p *Product) ActivePrice() (*Price, bool) {
	for i := range p.Prices {
		if p.Prices[i].Active {
			return &p.Prices[i], true
		}
	}
	return nil, false
}
