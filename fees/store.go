package fees

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

// RuleStore manages fee rule persistence and retrieval.
// The fee engine only ever reads from it.
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *FeeRule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*FeeRule, error)

	// List all rules, highest priority first
	List(ctx context.Context) ([]*FeeRule, error)

	// ListActive returns the rules flagged active
	ListActive(ctx context.Context) ([]*FeeRule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *FeeRule) error

	// Delete a rule
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	rules map[string]*FeeRule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*FeeRule),
	}
}

// Add adds a new rule to the store and stamps CreatedAt/UpdatedAt
func (s *InMemoryRuleStore) Add(_ context.Context, rule *FeeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, apperrors.ErrDuplicate)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*FeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, apperrors.ErrNotFound)
	}
	return rule, nil
}

// List returns every rule ordered by priority, then name
func (s *InMemoryRuleStore) List(_ context.Context) ([]*FeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*FeeRule, 0, len(s.rules))
	for _, rule := range s.rules {
		all = append(all, rule)
	}
	sortByPriority(all)
	return all, nil
}

// ListActive returns all active rules
func (s *InMemoryRuleStore) ListActive(_ context.Context) ([]*FeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*FeeRule
	for _, rule := range s.rules {
		if rule.IsActive {
			active = append(active, rule)
		}
	}
	sortByPriority(active)
	return active, nil
}

// Update replaces an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(_ context.Context, rule *FeeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, apperrors.ErrNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, apperrors.ErrNotFound)
	}

	delete(s.rules, id)
	return nil
}

func sortByPriority(rules []*FeeRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
}
