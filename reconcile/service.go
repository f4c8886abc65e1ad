package reconcile

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/liamcoop/tollpricing/internal/apperrors"
	"github.com/liamcoop/tollpricing/internal/logger"
)

const failureSaveTimeout = 5 * time.Second

// Upload is a provider file submitted for reconciliation
type Upload struct {
	Filename    string
	Content     io.Reader
	Range       Range // ledger window to compare against
	ProcessedBy string
}

// Service runs provider files through parsing, ledger lookup and Reconcile,
// keeping the file's status in the FileStore
type Service struct {
	ledger LedgerStore
	files  FileStore
	opts   []Option
	now    func() time.Time
}

// NewService creates a reconciliation service; opts are passed to every Reconcile run
func NewService(ledger LedgerStore, files FileStore, opts ...Option) *Service {
	return &Service{
		ledger: ledger,
		files:  files,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Process reconciles an uploaded file. The returned File is always non-nil once
// the file record exists, and carries status failed when err is non-nil.
func (s *Service) Process(ctx context.Context, up Upload) (*File, error) {
	if strings.TrimSpace(up.Filename) == "" {
		return nil, apperrors.NewValidationError("filename", "must not be empty")
	}
	if up.Content == nil {
		return nil, apperrors.NewValidationError("file", "content is required")
	}
	if !up.Range.From.IsZero() && !up.Range.To.IsZero() && !up.Range.From.Before(up.Range.To) {
		return nil, apperrors.NewValidationError("range", "from must be before to")
	}

	f := &File{
		ID:            uuid.NewString(),
		Filename:      up.Filename,
		Provider:      DetectProvider(up.Filename),
		UploadDate:    s.now(),
		Status:        StatusPending,
		Discrepancies: []Discrepancy{},
		ProcessedBy:   up.ProcessedBy,
	}
	if err := s.files.Create(ctx, f); err != nil {
		return nil, err
	}

	f.Status = StatusProcessing
	if err := s.files.Update(ctx, f); err != nil {
		return f, err
	}

	if err := s.run(ctx, f, up); err != nil {
		f.Status = StatusFailed
		f.Error = err.Error()
		// the request context may already be cancelled; the failure is still recorded
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureSaveTimeout)
		defer cancel()
		if uerr := s.files.Update(saveCtx, f); uerr != nil {
			logger.Error("failed to record reconciliation failure", "file_id", f.ID, "error", uerr)
		}
		logger.Warn("reconciliation failed", "file_id", f.ID, "filename", f.Filename, "error", err)
		return f, err
	}

	if err := s.files.Update(ctx, f); err != nil {
		return f, err
	}

	logger.Info("reconciliation completed",
		"file_id", f.ID,
		"provider", f.Provider,
		"transactions", f.TransactionCount,
		"discrepancies", f.DiscrepanciesCount,
	)
	return f, nil
}

func (s *Service) run(ctx context.Context, f *File, up Upload) error {
	theirs, err := ParseProviderFile(up.Filename, up.Content)
	if err != nil {
		return err
	}

	ours, err := s.ledger.FetchRecords(ctx, up.Range)
	if err != nil {
		return fmt.Errorf("failed to load ledger records: %w", err)
	}

	discrepancies, err := Reconcile(ours, theirs, s.opts...)
	if err != nil {
		return err
	}

	// amounts were validated by Reconcile
	total := decimal.Zero
	for _, r := range theirs {
		amt, _ := ParseAmount(r.Amount)
		total = total.Add(amt)
	}

	processedAt := s.now()
	f.Status = StatusCompleted
	f.TransactionCount = len(theirs)
	f.TotalAmount = total
	f.Discrepancies = discrepancies
	f.DiscrepanciesCount = len(discrepancies)
	f.ProcessedAt = &processedAt
	return nil
}

// Settle marks a completed file as settled. Concurrent calls for the same
// file settle it once; the others fail validation.
func (s *Service) Settle(ctx context.Context, id string) (*File, error) {
	f, err := s.files.Settle(ctx, id, s.now())
	if err != nil {
		return nil, err
	}

	logger.Info("reconciliation settled", "file_id", f.ID, "provider", f.Provider)
	return f, nil
}

// Get returns a single reconciliation file
func (s *Service) Get(ctx context.Context, id string) (*File, error) {
	return s.files.Get(ctx, id)
}

// List returns all reconciliation files, newest first
func (s *Service) List(ctx context.Context) ([]*File, error) {
	return s.files.List(ctx)
}
