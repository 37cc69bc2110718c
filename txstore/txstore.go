// Package txstore implements TransactionStore: the durable, idempotent
// bridge between PaymentProtocol and the on-chain settlement record. Rows
// are partitioned by scope and deduplicated by payment_hash, the exact
// bytes of the client-submitted transaction string: the one settlement key
// computable from the request alone, before the chain assigns a hash.
package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"github.com/txtx/moneymq/eventstore"
)

// Status is a transaction row's lifecycle state. The DAG is
// pending -> completed | failed, both terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when a lookup by id matches no row. Lookups by
// payment hash report a miss as a nil row instead.
var ErrNotFound = errors.New("txstore: transaction not found")

// Transaction is one persisted payment attempt.
type Transaction struct {
	ID                    int64     `db:"id"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
	Product               *string   `db:"product"`
	CustomerID            *string   `db:"customer_id"`
	Amount                string    `db:"amount"`
	Currency              *string   `db:"currency"`
	Status                Status    `db:"status"`
	Signature             *string   `db:"signature"`
	PaymentRequirementB64 string    `db:"payment_requirement_b64"`
	VerifyRequestB64      string    `db:"verify_request_b64"`
	VerifyResponseB64     string    `db:"verify_response_b64"`
	SettleRequestB64      *string   `db:"settle_request_b64"`
	SettleResponseB64     *string   `db:"settle_response_b64"`
	PaymentHash           string    `db:"payment_hash"`
	PaymentStackID        string    `db:"payment_stack_id"`
	IsSandbox             bool      `db:"is_sandbox"`
}

// InsertParams are the fields captured on a verify-time insert.
type InsertParams struct {
	PaymentHash           string
	Product               *string
	CustomerID            *string
	CustomerAddress       *string
	CustomerLabel         *string
	Amount                string
	Currency              *string
	PaymentRequirementB64 string
	VerifyRequestB64      string
	VerifyResponseB64     string
}

// Store is the SQLite-backed TransactionStore.
type Store struct {
	db *dbx.DB
}

// New wraps db and ensures the transactions and transaction_customers
// tables exist.
func New(db *dbx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("txstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.NewQuery(`
		CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			product TEXT,
			customer_id TEXT,
			amount TEXT NOT NULL,
			currency TEXT,
			status TEXT NOT NULL,
			signature TEXT,
			payment_requirement_b64 TEXT NOT NULL,
			verify_request_b64 TEXT NOT NULL,
			verify_response_b64 TEXT NOT NULL,
			settle_request_b64 TEXT,
			settle_response_b64 TEXT,
			payment_hash TEXT NOT NULL,
			payment_stack_id TEXT NOT NULL,
			is_sandbox INTEGER NOT NULL
		)
	`).Execute()
	if err != nil {
		return err
	}
	_, err = s.db.NewQuery(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_hash_scope
		ON transactions (payment_hash, payment_stack_id, is_sandbox)
	`).Execute()
	if err != nil {
		return err
	}
	_, err = s.db.NewQuery(`
		CREATE TABLE IF NOT EXISTS transaction_customers (
			address TEXT NOT NULL,
			payment_stack_id TEXT NOT NULL,
			is_sandbox INTEGER NOT NULL,
			label TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (address, payment_stack_id, is_sandbox)
		)
	`).Execute()
	return err
}

// Insert records a transaction row at status pending. If a row already
// exists for (PaymentHash, scope) it is returned unmodified: the verify
// path may be retried with an identical payload (at-least-once delivery),
// and duplicate payment hashes collapse to the existing row.
func (s *Store) Insert(ctx context.Context, p InsertParams, scope eventstore.Scope) (*Transaction, error) {
	if existing, err := s.FindByPaymentHash(ctx, p.PaymentHash, scope); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if p.CustomerAddress != nil {
		if err := s.upsertCustomer(ctx, *p.CustomerAddress, p.CustomerLabel, scope); err != nil {
			return nil, fmt.Errorf("txstore: upsert customer: %w", err)
		}
	}

	now := time.Now()
	_, err := s.db.WithContext(ctx).Insert("transactions", dbx.Params{
		"created_at":               now,
		"updated_at":               now,
		"product":                  p.Product,
		"customer_id":              p.CustomerID,
		"amount":                   p.Amount,
		"currency":                 p.Currency,
		"status":                   string(StatusPending),
		"payment_requirement_b64":  p.PaymentRequirementB64,
		"verify_request_b64":       p.VerifyRequestB64,
		"verify_response_b64":      p.VerifyResponseB64,
		"payment_hash":             p.PaymentHash,
		"payment_stack_id":         scope.PaymentStackID,
		"is_sandbox":               scope.IsSandbox,
	}).Execute()
	if err != nil {
		// Another writer may have raced us onto the same hash; fall back
		// to whatever it left behind rather than erroring the verify call.
		existing, lookupErr := s.FindByPaymentHash(ctx, p.PaymentHash, scope)
		if lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("txstore: insert: %w", err)
	}

	return s.FindByPaymentHash(ctx, p.PaymentHash, scope)
}

func (s *Store) upsertCustomer(ctx context.Context, address string, label *string, scope eventstore.Scope) error {
	_, err := s.db.WithContext(ctx).NewQuery(`
		INSERT INTO transaction_customers (address, payment_stack_id, is_sandbox, label, created_at)
		VALUES ({:address}, {:stack}, {:sandbox}, {:label}, {:now})
		ON CONFLICT (address, payment_stack_id, is_sandbox) DO UPDATE SET label = {:label}
	`).Bind(dbx.Params{
		"address": address,
		"stack":   scope.PaymentStackID,
		"sandbox": scope.IsSandbox,
		"label":   label,
		"now":     time.Now(),
	}).Execute()
	return err
}

// FindByPaymentHash returns the row matching (hash, scope), or nil if none
// exists.
func (s *Store) FindByPaymentHash(ctx context.Context, hash string, scope eventstore.Scope) (*Transaction, error) {
	var row Transaction
	err := s.db.WithContext(ctx).
		Select("*").
		From("transactions").
		Where(dbx.HashExp{
			"payment_hash":     hash,
			"payment_stack_id": scope.PaymentStackID,
			"is_sandbox":       scope.IsSandbox,
		}).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("txstore: find_by_payment_hash: %w", err)
	}
	return &row, nil
}

// FindIDByPaymentHash is a thin projection of FindByPaymentHash for callers
// that only need the row id.
func (s *Store) FindIDByPaymentHash(ctx context.Context, hash string, scope eventstore.Scope) (int64, bool, error) {
	row, err := s.FindByPaymentHash(ctx, hash, scope)
	if err != nil {
		return 0, false, err
	}
	if row == nil {
		return 0, false, nil
	}
	return row.ID, true, nil
}

// IsAlreadySettled reports whether the row for (hash, scope) is in a
// terminal state.
func (s *Store) IsAlreadySettled(ctx context.Context, hash string, scope eventstore.Scope) (bool, error) {
	row, err := s.FindByPaymentHash(ctx, hash, scope)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	return row.Status == StatusCompleted || row.Status == StatusFailed, nil
}

// UpdateAfterSettlement transitions rowID to status, recording the
// signature and settle request/response blobs. It is idempotent: calling
// it twice with identical arguments leaves the row unchanged after the
// first call, since the transition from a terminal status to the same
// terminal status with the same signature is a no-op write.
func (s *Store) UpdateAfterSettlement(ctx context.Context, rowID int64, status Status, signature *string, settleRequestB64, settleResponseB64 *string) error {
	current, err := s.findByID(ctx, rowID)
	if err != nil {
		return err
	}
	if current.Status == status &&
		ptrEqual(current.Signature, signature) &&
		ptrEqual(current.SettleRequestB64, settleRequestB64) &&
		ptrEqual(current.SettleResponseB64, settleResponseB64) {
		return nil
	}

	_, err = s.db.WithContext(ctx).Update("transactions", dbx.Params{
		"status":              string(status),
		"signature":           signature,
		"settle_request_b64":  settleRequestB64,
		"settle_response_b64": settleResponseB64,
		"updated_at":          time.Now(),
	}, dbx.HashExp{"id": rowID}).Execute()
	if err != nil {
		return fmt.Errorf("txstore: update_after_settlement: %w", err)
	}
	return nil
}

func (s *Store) findByID(ctx context.Context, id int64) (*Transaction, error) {
	var row Transaction
	err := s.db.WithContext(ctx).
		Select("*").
		From("transactions").
		Where(dbx.HashExp{"id": id}).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("txstore: find_by_id: %w", err)
	}
	return &row, nil
}

// List returns up to limit rows ordered newest-first, for operational
// inspection, with a hasMore flag for pagination.
func (s *Store) List(ctx context.Context, limit int, startingAfter *int64) ([]Transaction, bool, error) {
	q := s.db.WithContext(ctx).
		Select("*").
		From("transactions").
		OrderBy("id DESC").
		Limit(int64(limit) + 1)
	if startingAfter != nil {
		q = q.AndWhere(dbx.NewExp("id < {:id}", dbx.Params{"id": *startingAfter}))
	}

	var rows []Transaction
	if err := q.All(&rows); err != nil {
		return nil, false, fmt.Errorf("txstore: list: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
