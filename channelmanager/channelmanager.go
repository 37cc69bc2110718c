// Package channelmanager implements ChannelManager: a transaction-scoped
// publish/subscribe bus. Every publish is written through to eventstore
// before subscribers are woken, so a channel's history survives process
// restarts and late subscribers can replay it. Channel id is the
// transaction_id carried in PaymentRequirements.extra.
package channelmanager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/eventstore"
)

// AttachData is the payload of a transaction:attach event.
type AttachData struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type channel struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	attachments map[string]json.RawMessage
	hooks       map[string]struct{}
	settled     bool
	completed   bool
	timer       *time.Timer
}

// Subscription is a live subscriber on one channel.
type Subscription struct {
	channelID string
	events    chan x402.ChannelEvent
	closeOnce sync.Once
}

// Events returns the channel of events delivered to this subscription. It is
// closed on Unsubscribe.
func (sub *Subscription) Events() <-chan x402.ChannelEvent {
	return sub.events
}

// Manager is the in-process ChannelManager.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channel
	store    *eventstore.Store
	scope    eventstore.Scope

	// defaultAttachTimeout bounds how long the manager waits for all
	// expected hooks to attach after payment:settled before synthesizing
	// transaction:completed anyway.
	defaultAttachTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithAttachTimeout overrides the default bound on attachment-merge
// completion (default 30s).
func WithAttachTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultAttachTimeout = d }
}

// New constructs a Manager that writes through to store under scope.
func New(store *eventstore.Store, scope eventstore.Scope, opts ...Option) *Manager {
	m := &Manager{
		channels:             make(map[string]*channel),
		store:                store,
		scope:                scope,
		defaultAttachTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) getOrCreate(channelID string) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		ch = &channel{
			subscribers: make(map[*Subscription]struct{}),
			attachments: make(map[string]json.RawMessage),
		}
		m.channels[channelID] = ch
	}
	return ch
}

// eventSource tags a channel's rows in eventstore so replay can recover
// just that channel's history from the shared per-scope log.
func eventSource(channelID string) string {
	return "channel:" + channelID
}

// Publish durably records event under channelID and wakes subscribers. For
// payment:settled, the manager begins tracking attachments against the
// hooks enumerated in expectedHooks and arms a timeout so that
// transaction:completed is emitted even if some hooks never attach. For
// transaction:attach, the manager folds the attachment in and emits
// transaction:completed once every expected hook has attached.
func (m *Manager) Publish(ctx context.Context, channelID string, eventType x402.ChannelEventType, data any, expectedHooks []string, maxTimeout time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	stored, err := m.store.Append(ctx, string(eventType), eventSource(channelID), data, m.scope)
	if err != nil {
		return err
	}
	event := x402.ChannelEvent{
		ID:   stored.EventID,
		Type: eventType,
		Data: raw,
		Time: stored.CreatedAt.Format(time.RFC3339),
	}

	ch := m.getOrCreate(channelID)
	ch.mu.Lock()

	switch eventType {
	case x402.EventPaymentSettled:
		ch.settled = true
		ch.completed = false
		ch.attachments = make(map[string]json.RawMessage)
		ch.hooks = make(map[string]struct{}, len(expectedHooks))
		for _, h := range expectedHooks {
			ch.hooks[h] = struct{}{}
		}
		timeout := maxTimeout
		if timeout <= 0 {
			timeout = m.defaultAttachTimeout
		}
		if ch.timer != nil {
			ch.timer.Stop()
		}
		ch.timer = time.AfterFunc(timeout, func() {
			m.completeChannel(ctx, channelID)
		})

	case x402.EventTransactionAttach:
		var attach AttachData
		if err := json.Unmarshal(raw, &attach); err == nil && ch.settled && !ch.completed {
			ch.attachments[attach.Key] = attach.Value
			delete(ch.hooks, attach.Key)
			if len(ch.hooks) == 0 {
				m.broadcastLocked(ch, event)
				ch.mu.Unlock()
				m.completeChannel(ctx, channelID)
				return nil
			}
		}
	}

	m.broadcastLocked(ch, event)
	ch.mu.Unlock()
	return nil
}

// completeChannel emits transaction:completed with the merged attachments
// collected since the last payment:settled, if it has not already fired for
// this settlement.
func (m *Manager) completeChannel(ctx context.Context, channelID string) {
	ch := m.getOrCreate(channelID)
	ch.mu.Lock()
	if ch.completed || !ch.settled {
		ch.mu.Unlock()
		return
	}
	ch.completed = true
	if ch.timer != nil {
		ch.timer.Stop()
	}
	attachments := make(map[string]json.RawMessage, len(ch.attachments))
	for k, v := range ch.attachments {
		attachments[k] = v
	}
	ch.mu.Unlock()

	data := map[string]any{"attachments": attachments}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	stored, err := m.store.Append(ctx, string(x402.EventTransactionDone), eventSource(channelID), data, m.scope)
	if err != nil {
		return
	}
	event := x402.ChannelEvent{
		ID:   stored.EventID,
		Type: x402.EventTransactionDone,
		Data: raw,
		Time: stored.CreatedAt.Format(time.RFC3339),
	}
	ch.mu.Lock()
	m.broadcastLocked(ch, event)
	ch.mu.Unlock()
}

func (m *Manager) broadcastLocked(ch *channel, event x402.ChannelEvent) {
	for sub := range ch.subscribers {
		select {
		case sub.events <- event:
		default:
			// Slow subscriber: drop rather than block the publisher. The
			// subscriber can recover lost history via CursorSync replay.
		}
	}
}

// Replay selects which of the channel's durable history a new subscriber
// sees before live events start flowing: nothing (the zero value), the
// most recent LastN events, or everything after the event identified by
// FromCursor. FromCursor wins when both are set.
type Replay struct {
	LastN      int
	FromCursor string
}

// replayScanLimit bounds how much of the shared per-scope log one replay
// resolution walks while filtering for a single channel's rows.
const replayScanLimit = 512

// Subscribe registers a new subscriber on channelID, pre-delivering the
// durable history selected by replay.
func (m *Manager) Subscribe(ctx context.Context, channelID string, replay Replay) (*Subscription, error) {
	ch := m.getOrCreate(channelID)

	rows, err := m.resolveReplay(ctx, channelID, replay)
	if err != nil {
		return nil, err
	}
	// The buffer leaves headroom past the replay set so pre-delivery never
	// blocks before a reader attaches.
	sub := &Subscription{
		channelID: channelID,
		events:    make(chan x402.ChannelEvent, len(rows)+32),
	}
	for _, row := range rows {
		sub.events <- x402.ChannelEvent{
			ID:   row.EventID,
			Type: x402.ChannelEventType(row.EventType),
			Data: json.RawMessage(row.DataJSON),
			Time: row.CreatedAt.Format(time.RFC3339),
		}
	}

	ch.mu.Lock()
	ch.subscribers[sub] = struct{}{}
	ch.mu.Unlock()
	return sub, nil
}

// resolveReplay pulls the channel's rows out of the shared per-scope log:
// the log interleaves every channel in the scope, so a window is fetched
// and filtered down to this channel's event_source tag.
func (m *Manager) resolveReplay(ctx context.Context, channelID string, replay Replay) ([]eventstore.CloudEvent, error) {
	switch {
	case replay.FromCursor != "":
		rows, err := m.store.AfterCursor(ctx, replay.FromCursor, m.scope, replayScanLimit)
		if err != nil {
			return nil, err
		}
		return filterChannel(rows, channelID), nil

	case replay.LastN > 0:
		rows, err := m.store.LastN(ctx, m.scope, replayScanLimit)
		if err != nil {
			return nil, err
		}
		mine := filterChannel(rows, channelID)
		if len(mine) > replay.LastN {
			mine = mine[len(mine)-replay.LastN:]
		}
		return mine, nil

	default:
		return nil, nil
	}
}

func filterChannel(rows []eventstore.CloudEvent, channelID string) []eventstore.CloudEvent {
	var out []eventstore.CloudEvent
	for _, row := range rows {
		if row.EventSource == eventSource(channelID) {
			out = append(out, row)
		}
	}
	return out
}

// Unsubscribe detaches sub from its channel and closes its event channel.
func (m *Manager) Unsubscribe(sub *Subscription) {
	ch := m.getOrCreate(sub.channelID)
	ch.mu.Lock()
	delete(ch.subscribers, sub)
	ch.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.events) })
}
