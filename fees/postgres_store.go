package fees

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

// PostgresRuleStore implements RuleStore backed by the fee_rules table
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, name, rule_type, base_amount, vehicle_type, time_conditions, device_ids,
	condition_expr, is_active, priority, valid_from, valid_until, created_at, updated_at`

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *FeeRule) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM fee_rules WHERE id = $1)
	`, rule.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, apperrors.ErrDuplicate)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fee_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.Name, string(rule.RuleType), rule.BaseAmount, nullString(rule.VehicleType),
		nullJSON(rule.TimeConditions), pq.Array(rule.DeviceIDs), nullString(rule.Condition),
		rule.IsActive, rule.Priority, nullTime(rule.ValidFrom), nullTime(rule.ValidUntil),
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*FeeRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM fee_rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule, highest priority first
func (s *PostgresRuleStore) List(ctx context.Context) ([]*FeeRule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM fee_rules
		ORDER BY priority DESC, name ASC, id ASC
	`)
}

// ListActive returns all active rules
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*FeeRule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM fee_rules
		WHERE is_active = true
		ORDER BY priority DESC, name ASC, id ASC
	`)
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rule *FeeRule) error {
	existing, err := s.Get(ctx, rule.ID)
	if err != nil {
		return err
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE fee_rules
		SET name = $1, rule_type = $2, base_amount = $3, vehicle_type = $4, time_conditions = $5,
			device_ids = $6, condition_expr = $7, is_active = $8, priority = $9, valid_from = $10,
			valid_until = $11, updated_at = $12
		WHERE id = $13
	`, rule.Name, string(rule.RuleType), rule.BaseAmount, nullString(rule.VehicleType),
		nullJSON(rule.TimeConditions), pq.Array(rule.DeviceIDs), nullString(rule.Condition),
		rule.IsActive, rule.Priority, nullTime(rule.ValidFrom), nullTime(rule.ValidUntil),
		rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, apperrors.ErrNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM fee_rules
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, apperrors.ErrNotFound)
	}

	return nil
}

func (s *PostgresRuleStore) query(ctx context.Context, q string) ([]*FeeRule, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*FeeRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*FeeRule, error) {
	var (
		r              FeeRule
		ruleType       string
		vehicleType    sql.NullString
		timeConditions []byte
		condition      sql.NullString
		validFrom      sql.NullTime
		validUntil     sql.NullTime
	)

	err := row.Scan(
		&r.ID,
		&r.Name,
		&ruleType,
		&r.BaseAmount,
		&vehicleType,
		&timeConditions,
		pq.Array(&r.DeviceIDs),
		&condition,
		&r.IsActive,
		&r.Priority,
		&validFrom,
		&validUntil,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RuleType = RuleType(ruleType)
	r.VehicleType = vehicleType.String
	r.Condition = condition.String
	if len(timeConditions) > 0 {
		r.TimeConditions = json.RawMessage(timeConditions)
	}
	if validFrom.Valid {
		t := validFrom.Time
		r.ValidFrom = &t
	}
	if validUntil.Valid {
		t := validUntil.Time
		r.ValidUntil = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
