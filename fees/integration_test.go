//go:build integration
// +build integration

package fees_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/tollpricing/fees"
	"github.com/liamcoop/tollpricing/internal/apperrors"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container with the schema applied
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "tollpricing_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

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
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}
	return db, cleanup
}

// setupRedis starts a Redis container and returns a connected client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to ping Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

func peakRule() *fees.FeeRule {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fees.FeeRule{
		ID:             uuid.NewString(),
		Name:           "Peak",
		RuleType:       fees.RuleTypeTimeOfDay,
		BaseAmount:     decimal.RequireFromString("20.00"),
		TimeConditions: []byte(`{"windows":[{"start":"07:00","end":"09:00"}]}`),
		DeviceIDs:      []string{"gate-1", "gate-2"},
		IsActive:       true,
		Priority:       10,
		ValidFrom:      &from,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := fees.NewPostgresRuleStore(db)

	rule := peakRule()
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	got, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "Peak" || !got.BaseAmount.Equal(rule.BaseAmount) || got.Priority != 10 {
		t.Errorf("Get() = %+v, want stored Peak rule", got)
	}
	if len(got.DeviceIDs) != 2 || got.DeviceIDs[1] != "gate-2" {
		t.Errorf("DeviceIDs = %v, want [gate-1 gate-2]", got.DeviceIDs)
	}
	if got.ValidFrom == nil || !got.ValidFrom.Equal(*rule.ValidFrom) || got.ValidUntil != nil {
		t.Errorf("validity = %v/%v, want %v/nil", got.ValidFrom, got.ValidUntil, rule.ValidFrom)
	}
	if _, err := fees.ParseTimeConditions(got.TimeConditions); err != nil {
		t.Errorf("stored time conditions do not parse: %v", err)
	}

	if err := store.Add(ctx, rule); !errors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("duplicate Add() = %v, want ErrDuplicate", err)
	}

	rule.BaseAmount = decimal.RequireFromString("22.50")
	rule.IsActive = false
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListActive() = %d rules, want 0 after deactivation", len(active))
	}

	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after Delete() = %v, want ErrNotFound", err)
	}
}

func TestPostgresRuleStore_ServiceQuote(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	engine, err := fees.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	svc := fees.NewService(engine, fees.NewPostgresRuleStore(db), nil)

	base := &fees.FeeRule{Name: "Base", RuleType: fees.RuleTypeFlat, BaseAmount: decimal.NewFromInt(10), IsActive: true, Priority: 1}
	peak := peakRule()
	peak.DeviceIDs = nil
	for _, r := range []*fees.FeeRule{base, peak} {
		if err := svc.AddRule(ctx, r); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", r.Name, err)
		}
	}

	quote, err := svc.Quote(ctx, fees.CrossingEvent{VehicleType: "car", EntryTime: time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("Quote() failed: %v", err)
	}
	if !quote.CalculatedFee.Equal(decimal.NewFromInt(20)) || len(quote.AppliedRules) != 1 || quote.AppliedRules[0] != "Peak" {
		t.Errorf("quote = %s %v, want 20 [Peak]", quote.CalculatedFee, quote.AppliedRules)
	}
}

func TestRedisRulesCache(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	cache := fees.NewRedisRulesCache(client, "", fees.CacheConfig{TTL: time.Minute})

	if cache.IsValid(ctx) || cache.Get(ctx) != nil {
		t.Fatal("new cache should be empty")
	}

	if !cache.Set(ctx, cache.Generation(ctx), []*fees.FeeRule{peakRule()}) {
		t.Fatal("Set() with the current generation should succeed")
	}
	got := cache.Get(ctx)
	if len(got) != 1 || got[0].Name != "Peak" || !got[0].BaseAmount.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("Get() = %+v, want the Peak rule", got)
	}

	ttl, err := client.TTL(ctx, fees.DefaultRedisKey).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v (%v), want within one minute", ttl, err)
	}

	cache.Invalidate(ctx)
	if cache.IsValid(ctx) {
		t.Error("cache should be empty after Invalidate()")
	}

	stale := cache.Generation(ctx) - 1
	if cache.Set(ctx, stale, []*fees.FeeRule{peakRule()}) || cache.IsValid(ctx) {
		t.Error("Set() with a generation from before Invalidate() should be dropped")
	}

	cache.Set(ctx, cache.Generation(ctx), nil)
	if got := cache.Get(ctx); got == nil || len(got) != 0 {
		t.Errorf("empty snapshot Get() = %v, want non-nil empty slice", got)
	}
}
