package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Range is a half-open time interval [From, To). A zero bound is unbounded.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls within the range
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// LedgerStore supplies our side of a reconciliation. Reconciliation never writes to it.
type LedgerStore interface {
	FetchRecords(ctx context.Context, rng Range) ([]Record, error)
}

// Transaction is a charged crossing as recorded in our ledger
type Transaction struct {
	ID          string          `json:"id"`
	ProviderRef string          `json:"providerRef,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Record converts a ledger transaction into a reconciliation record
func (t Transaction) Record() Record {
	return Record{TransactionID: t.ID, ProviderRef: t.ProviderRef, Amount: t.Amount.String()}
}

// InMemoryLedger implements LedgerStore over a slice of transactions
type InMemoryLedger struct {
	txns []Transaction
	mu   sync.RWMutex
}

// NewInMemoryLedger creates a ledger holding txns
func NewInMemoryLedger(txns ...Transaction) *InMemoryLedger {
	l := &InMemoryLedger{}
	l.Add(txns...)
	return l
}

// Add appends transactions to the ledger
func (l *InMemoryLedger) Add(txns ...Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txns = append(l.txns, txns...)
}

// FetchRecords returns the transactions created within rng, oldest first
func (l *InMemoryLedger) FetchRecords(_ context.Context, rng Range) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]Transaction, 0, len(l.txns))
	for _, t := range l.txns {
		if rng.Contains(t.CreatedAt) {
			matched = append(matched, t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	records := make([]Record, len(matched))
	for i, t := range matched {
		records[i] = t.Record()
	}
	return records, nil
}

// PostgresLedgerStore reads our side from the transactions table
type PostgresLedgerStore struct {
	db *sql.DB
}

// NewPostgresLedgerStore creates a ledger store backed by PostgreSQL
func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

// FetchRecords returns the transactions created within rng, oldest first
func (s *PostgresLedgerStore) FetchRecords(ctx context.Context, rng Range) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(provider_ref, ''), amount::text
		FROM transactions
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at ASC, id ASC
	`, nullTime(rng.From), nullTime(rng.To))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TransactionID, &r.ProviderRef, &r.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return records, nil
}

// Insert records a ledger transaction
func (s *PostgresLedgerStore) Insert(ctx context.Context, t Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, provider_ref, amount, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, t.ID, t.ProviderRef, t.Amount, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
