package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

// FileStatus tracks an uploaded provider file through processing
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
	StatusSettled    FileStatus = "settled"
)

// File is an uploaded provider settlement file and its reconciliation outcome
type File struct {
	ID                 string          `json:"id"`
	Filename           string          `json:"filename"`
	Provider           string          `json:"provider"`
	UploadDate         time.Time       `json:"uploadDate"`
	Status             FileStatus      `json:"status"`
	TransactionCount   int             `json:"transactionCount"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	Discrepancies      []Discrepancy   `json:"discrepancies"`
	DiscrepanciesCount int             `json:"discrepanciesCount"`
	Error              string          `json:"error,omitempty"`
	ProcessedBy        string          `json:"processedBy,omitempty"`
	ProcessedAt        *time.Time      `json:"processedAt,omitempty"`
	SettledAt          *time.Time      `json:"settledAt,omitempty"`
}

// FileStore persists reconciliation files
type FileStore interface {
	Create(ctx context.Context, f *File) error
	Update(ctx context.Context, f *File) error
	Get(ctx context.Context, id string) (*File, error)
	// Settle moves a completed file to settled in one step. A file in any
	// other status yields a validation error.
	Settle(ctx context.Context, id string, at time.Time) (*File, error)
	// List returns files newest upload first
	List(ctx context.Context) ([]*File, error)
}

// InMemoryFileStore implements FileStore using an in-memory map
type InMemoryFileStore struct {
	files map[string]*File
	mu    sync.RWMutex
}

// NewInMemoryFileStore creates an empty file store
func NewInMemoryFileStore() *InMemoryFileStore {
	return &InMemoryFileStore{files: make(map[string]*File)}
}

func (s *InMemoryFileStore) Create(_ context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[f.ID]; exists {
		return fmt.Errorf("file %s: %w", f.ID, apperrors.ErrDuplicate)
	}
	cp := *f
	s.files[f.ID] = &cp
	return nil
}

func (s *InMemoryFileStore) Update(_ context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[f.ID]; !exists {
		return fmt.Errorf("file %s: %w", f.ID, apperrors.ErrNotFound)
	}
	cp := *f
	s.files[f.ID] = &cp
	return nil
}

func (s *InMemoryFileStore) Get(_ context.Context, id string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.files[id]
	if !exists {
		return nil, fmt.Errorf("file %s: %w", id, apperrors.ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *InMemoryFileStore) Settle(_ context.Context, id string, at time.Time) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, exists := s.files[id]
	if !exists {
		return nil, fmt.Errorf("file %s: %w", id, apperrors.ErrNotFound)
	}
	if f.Status != StatusCompleted {
		return nil, notSettleable(f)
	}

	f.Status = StatusSettled
	f.SettledAt = &at
	cp := *f
	return &cp, nil
}

func (s *InMemoryFileStore) List(_ context.Context) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*File, 0, len(s.files))
	for _, f := range s.files {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadDate.Equal(out[j].UploadDate) {
			return out[i].UploadDate.After(out[j].UploadDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PostgresFileStore implements FileStore over the reconciliation_files table
type PostgresFileStore struct {
	db *sql.DB
}

// NewPostgresFileStore creates a PostgreSQL-backed FileStore
func NewPostgresFileStore(db *sql.DB) *PostgresFileStore {
	return &PostgresFileStore{db: db}
}

const fileColumns = `id, filename, provider, status, transaction_count, total_amount, discrepancies,
	discrepancies_count, error_message, processed_by, upload_date, processed_at, settled_at`

func (s *PostgresFileStore) Create(ctx context.Context, f *File) error {
	discrepancies, err := encodeDiscrepancies(f.Discrepancies)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
	`, f.ID, f.Filename, f.Provider, string(f.Status), f.TransactionCount, f.TotalAmount, discrepancies,
		f.DiscrepanciesCount, f.Error, f.ProcessedBy, f.UploadDate, f.ProcessedAt, f.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation file: %w", err)
	}
	return nil
}

func (s *PostgresFileStore) Update(ctx context.Context, f *File) error {
	discrepancies, err := encodeDiscrepancies(f.Discrepancies)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_files
		SET status = $1, transaction_count = $2, total_amount = $3, discrepancies = $4,
			discrepancies_count = $5, error_message = NULLIF($6, ''), processed_by = NULLIF($7, ''),
			processed_at = $8, settled_at = $9
		WHERE id = $10
	`, string(f.Status), f.TransactionCount, f.TotalAmount, discrepancies, f.DiscrepanciesCount,
		f.Error, f.ProcessedBy, f.ProcessedAt, f.SettledAt, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation file: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("file %s: %w", f.ID, apperrors.ErrNotFound)
	}
	return nil
}

func (s *PostgresFileStore) Get(ctx context.Context, id string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM reconciliation_files WHERE id = $1`, id)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation file: %w", err)
	}
	return f, nil
}

func (s *PostgresFileStore) Settle(ctx context.Context, id string, at time.Time) (*File, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE reconciliation_files
		SET status = $1, settled_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+fileColumns,
		string(StatusSettled), at, id, string(StatusCompleted))

	f, err := scanFile(row)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to settle reconciliation file: %w", err)
	}

	// no row matched: either the file is missing or it is not completed
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, notSettleable(current)
}

func (s *PostgresFileStore) List(ctx context.Context) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM reconciliation_files
		ORDER BY upload_date DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation files: %w", err)
	}
	return files, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var (
		f             File
		status        string
		discrepancies []byte
		errMsg        sql.NullString
		processedBy   sql.NullString
		processedAt   sql.NullTime
		settledAt     sql.NullTime
	)

	err := row.Scan(&f.ID, &f.Filename, &f.Provider, &status, &f.TransactionCount, &f.TotalAmount,
		&discrepancies, &f.DiscrepanciesCount, &errMsg, &processedBy, &f.UploadDate, &processedAt, &settledAt)
	if err != nil {
		return nil, err
	}

	f.Status = FileStatus(status)
	f.Error = errMsg.String
	f.ProcessedBy = processedBy.String
	if processedAt.Valid {
		f.ProcessedAt = &processedAt.Time
	}
	if settledAt.Valid {
		f.SettledAt = &settledAt.Time
	}
	if err := json.Unmarshal(discrepancies, &f.Discrepancies); err != nil {
		return nil, fmt.Errorf("failed to decode discrepancies: %w", err)
	}
	return &f, nil
}

func notSettleable(f *File) error {
	return apperrors.NewValidationError("status", "file %s is %s, only completed files can be settled", f.ID, f.Status)
}

func encodeDiscrepancies(ds []Discrepancy) ([]byte, error) {
	if ds == nil {
		ds = []Discrepancy{}
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode discrepancies: %w", err)
	}
	return data, nil
}
