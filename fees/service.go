package fees

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/liamcoop/tollpricing/internal/apperrors"
	"github.com/liamcoop/tollpricing/internal/logger"
)

// Service ties the engine to the rule store and the active-rule cache.
// Rule writes are validated before they reach the store and invalidate the cache.
type Service struct {
	engine *Engine
	store  RuleStore
	cache  RulesCache
}

// NewService creates a fee service. A nil cache gets an in-memory cache with no TTL.
func NewService(engine *Engine, store RuleStore, cache RulesCache) *Service {
	if cache == nil {
		cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	return &Service{
		engine: engine,
		store:  store,
		cache:  cache,
	}
}

// Engine exposes the underlying engine for stateless computations
func (s *Service) Engine() *Engine { return s.engine }

// ActiveRules returns the current active rule snapshot, reading through the cache
func (s *Service) ActiveRules(ctx context.Context) ([]*FeeRule, error) {
	if rules := s.cache.Get(ctx); rules != nil {
		return rules, nil
	}

	gen := s.cache.Generation(ctx)
	rules, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}
	if rules == nil {
		rules = []*FeeRule{}
	}
	if !s.cache.Set(ctx, gen, rules) {
		logger.Debug("rule snapshot went stale while loading, not cached", "generation", gen)
	}
	return rules, nil
}

// Quote computes the fee for a crossing against the stored active rules
func (s *Service) Quote(ctx context.Context, ev CrossingEvent) (*FeeQuote, error) {
	rules, err := s.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.ComputeFee(rules, ev)
}

// GetRule returns a single rule
func (s *Service) GetRule(ctx context.Context, id string) (*FeeRule, error) {
	return s.store.Get(ctx, id)
}

// ListRules returns every rule, active or not
func (s *Service) ListRules(ctx context.Context) ([]*FeeRule, error) {
	return s.store.List(ctx)
}

// AddRule validates and stores a new rule. An empty ID is replaced with a UUID.
func (s *Service) AddRule(ctx context.Context, rule *FeeRule) error {
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = uuid.NewString()
	}
	normalizeRule(rule)

	if err := s.engine.ValidateRule(rule); err != nil {
		return err
	}

	if err := s.store.Add(ctx, rule); err != nil {
		return err
	}

	s.cache.Invalidate(ctx)
	logger.Info("fee rule created", "rule_id", rule.ID, "rule_name", rule.Name, "rule_type", rule.RuleType)
	return nil
}

// UpdateRule validates and replaces an existing rule
func (s *Service) UpdateRule(ctx context.Context, rule *FeeRule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return apperrors.NewValidationError("id", "must not be empty")
	}
	normalizeRule(rule)

	if err := s.engine.ValidateRule(rule); err != nil {
		return err
	}

	if err := s.store.Update(ctx, rule); err != nil {
		return err
	}

	s.cache.Invalidate(ctx)
	logger.Info("fee rule updated", "rule_id", rule.ID, "rule_name", rule.Name)
	return nil
}

// DeleteRule removes a rule
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.cache.Invalidate(ctx)
	logger.Info("fee rule deleted", "rule_id", id)
	return nil
}

func normalizeRule(rule *FeeRule) {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.VehicleType = normalizeVehicleType(rule.VehicleType)
	rule.Condition = strings.TrimSpace(rule.Condition)
}
