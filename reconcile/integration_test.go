//go:build integration
// +build integration

package reconcile_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/tollpricing/internal/apperrors"
	"github.com/liamcoop/tollpricing/reconcile"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "tollpricing_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start PostgreSQL container")

	host, err := postgresContainer.Host(ctx)
	require.NoError(t, err)
	port, err := postgresContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=tollpricing_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err, "connect to database")

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	require.NoError(t, err)
	_, err = db.Exec(string(migrationSQL))
	require.NoError(t, err, "run migrations")

	return db, func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}
}

func TestPostgresStores_ProcessAndSettle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	day := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	ledger := reconcile.NewPostgresLedgerStore(db)
	for _, txn := range []reconcile.Transaction{
		{ID: "TXN-001", ProviderRef: "REF-123", Amount: decimal.RequireFromString("25.00"), CreatedAt: day.Add(8 * time.Hour)},
		{ID: "TXN-002", Amount: decimal.RequireFromString("12.00"), CreatedAt: day.Add(9 * time.Hour)},
		{ID: "TXN-003", Amount: decimal.RequireFromString("50.00"), CreatedAt: day.Add(30 * time.Hour)},
	} {
		require.NoError(t, ledger.Insert(ctx, txn))
	}

	records, err := ledger.FetchRecords(ctx, reconcile.Range{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "REF-123", records[0].ProviderRef)
	assert.Equal(t, "", records[1].ProviderRef)

	svc := reconcile.NewService(ledger, reconcile.NewPostgresFileStore(db))
	f, err := svc.Process(ctx, reconcile.Upload{
		Filename: "instapay_0312.csv",
		Content:  strings.NewReader("provider_ref,transaction_id,amount\nREF-123,,24.50\n,TXN-002,12.00\nREF-456,,15.00\n"),
		Range:    reconcile.Range{From: day, To: day.Add(24 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusCompleted, f.Status)
	assert.Equal(t, 2, f.DiscrepanciesCount)

	stored, err := svc.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ProviderInstaPay, stored.Provider)
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("51.50")))
	require.Len(t, stored.Discrepancies, 2)
	assert.Equal(t, reconcile.AmountMismatch, stored.Discrepancies[0].Type)
	assert.Equal(t, "Amount difference of +0.50 EGP", stored.Discrepancies[0].Description)
	assert.Equal(t, reconcile.MissingTransaction, stored.Discrepancies[1].Type)

	settled, err := svc.Settle(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusSettled, settled.Status)

	files, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, reconcile.StatusSettled, files[0].Status)
	assert.NotNil(t, files[0].SettledAt)
}

func TestPostgresFileStore_ConcurrentSettle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc := reconcile.NewService(reconcile.NewPostgresLedgerStore(db), reconcile.NewPostgresFileStore(db))

	f, err := svc.Process(ctx, reconcile.Upload{Filename: "bank.json", Content: strings.NewReader(`[]`)})
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Settle(ctx, f.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				settled++
			} else if errors.Is(err, apperrors.ErrValidation) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled, "exactly one Settle call succeeds")
	assert.Equal(t, workers-1, rejected)

	_, err = svc.Settle(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
