package fees

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/liamcoop/tollpricing/internal/apperrors"
	"github.com/liamcoop/tollpricing/internal/logger"
)

// DefaultFallbackFee is charged when no rule applies to a crossing
var DefaultFallbackFee = decimal.NewFromInt(10)

const (
	// DefaultCurrency is attached to quotes unless overridden
	DefaultCurrency = "EGP"

	// maxEvaluationCost bounds runaway custom conditions
	maxEvaluationCost = 1000000

	// DefaultProgramCacheSize is how many compiled expressions an engine keeps
	DefaultProgramCacheSize = 1024
)

// Engine compiles fee rules into CEL programs and resolves the fee for a
// crossing. ComputeFee only reads its inputs; the program cache is the only
// shared state and is safe for concurrent use.
type Engine struct {
	env       *cel.Env
	programs  *lru.Cache[string, cel.Program] // expression -> compiled program
	cacheSize int

	fallback decimal.Decimal
	currency string
	mode     ResolutionMode
	location *time.Location
}

// Option configures an Engine
type Option func(*Engine)

// WithFallbackFee sets the fee returned when no rule matches
func WithFallbackFee(fee decimal.Decimal) Option {
	return func(en *Engine) { en.fallback = fee }
}

// WithCurrency sets the currency code attached to quotes
func WithCurrency(code string) Option {
	return func(en *Engine) { en.currency = code }
}

// WithResolutionMode selects how the winning rule is chosen
func WithResolutionMode(mode ResolutionMode) Option {
	return func(en *Engine) { en.mode = mode }
}

// WithLocation sets the time zone used for clock windows and validity dates
func WithLocation(loc *time.Location) Option {
	return func(en *Engine) {
		if loc != nil {
			en.location = loc
		}
	}
}

// WithProgramCacheSize bounds the compiled program cache; least recently used
// programs are evicted first
func WithProgramCacheSize(n int) Option {
	return func(en *Engine) { en.cacheSize = n }
}

// NewEngine creates a fee engine with a CEL environment exposing the crossing facts
func NewEngine(opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("crossing", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		env:       env,
		cacheSize: DefaultProgramCacheSize,
		fallback:  DefaultFallbackFee,
		currency:  DefaultCurrency,
		mode:      ResolveHighestPriority,
		location:  time.UTC,
	}
	for _, opt := range opts {
		opt(en)
	}

	en.programs, err = lru.New[string, cel.Program](en.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("invalid program cache size %d: %w", en.cacheSize, err)
	}

	if _, err := ParseResolutionMode(string(en.mode)); err != nil {
		return nil, err
	}
	return en, nil
}

var (
	defaultEngine     *Engine
	defaultEngineOnce sync.Once
)

// ComputeFee evaluates ruleSet against ev with the default engine settings
func ComputeFee(ruleSet []*FeeRule, ev CrossingEvent) (*FeeQuote, error) {
	defaultEngineOnce.Do(func() {
		en, err := NewEngine()
		if err != nil {
			panic(fmt.Sprintf("fees: default engine: %v", err))
		}
		defaultEngine = en
	})
	return defaultEngine.ComputeFee(ruleSet, ev)
}

// ParseResolutionMode converts a configuration string into a ResolutionMode
func ParseResolutionMode(s string) (ResolutionMode, error) {
	switch ResolutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResolveHighestPriority:
		return ResolveHighestPriority, nil
	case ResolveLastMatch:
		return ResolveLastMatch, nil
	default:
		return "", apperrors.NewValidationError("resolution mode", "unknown mode %q (use %s or %s)", s, ResolveHighestPriority, ResolveLastMatch)
	}
}

// Mode returns the engine's resolution mode
func (en *Engine) Mode() ResolutionMode { return en.mode }

// ComputeFee resolves the charge for ev from ruleSet.
//
// Inactive rules and rules outside their validity dates are ignored. Rules are
// visited by priority (descending) then ID (ascending). A rule that cannot be
// evaluated is skipped and reported in Warnings without failing the quote.
func (en *Engine) ComputeFee(ruleSet []*FeeRule, ev CrossingEvent) (*FeeQuote, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}

	quote := &FeeQuote{
		CalculatedFee: en.fallback,
		Currency:      en.currency,
		AppliedRules:  []string{},
		MatchedRules:  []string{},
		VehicleType:   ev.VehicleType,
		PlateNumber:   ev.PlateNumber,
		EntryTime:     ev.EntryTime,
	}

	candidates := en.eligibleRules(ruleSet, ev.EntryTime)
	if len(candidates) == 0 {
		return quote, nil
	}

	facts := en.crossingFacts(ev)
	for _, rule := range candidates {
		matched, err := en.matches(rule, facts)
		if err != nil {
			quote.Warnings = append(quote.Warnings, RuleWarning{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Message:  err.Error(),
			})
			logger.Warn("skipping misconfigured fee rule", "rule_id", rule.ID, "rule_name", rule.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}

		quote.MatchedRules = append(quote.MatchedRules, rule.Name)
		switch en.mode {
		case ResolveLastMatch:
			quote.CalculatedFee = rule.BaseAmount
			quote.AppliedRules = append(quote.AppliedRules, rule.Name)
		default:
			if len(quote.AppliedRules) == 0 {
				quote.CalculatedFee = rule.BaseAmount
				quote.AppliedRules = append(quote.AppliedRules, rule.Name)
			}
		}
	}

	return quote, nil
}

// CompileRule validates that a rule can be evaluated and caches its program
func (en *Engine) CompileRule(rule *FeeRule) error {
	_, _, err := en.rulePrograms(rule)
	return err
}

// eligibleRules filters to active rules valid on the entry date and orders them
func (en *Engine) eligibleRules(ruleSet []*FeeRule, at time.Time) []*FeeRule {
	entryDate := calendarDate(at.In(en.location))

	out := make([]*FeeRule, 0, len(ruleSet))
	for _, rule := range ruleSet {
		if rule == nil || !rule.IsActive {
			continue
		}
		if rule.ValidFrom != nil && entryDate.Before(calendarDate(*rule.ValidFrom)) {
			continue
		}
		if rule.ValidUntil != nil && entryDate.After(calendarDate(*rule.ValidUntil)) {
			continue
		}
		out = append(out, rule)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (en *Engine) crossingFacts(ev CrossingEvent) map[string]any {
	local := ev.EntryTime.In(en.location)
	return map[string]any{
		"crossing": map[string]any{
			"vehicleType": normalizeVehicleType(ev.VehicleType),
			"plateNumber": ev.PlateNumber,
			"deviceId":    ev.DeviceID,
			"secondOfDay": int64(secondOfDay(local, en.location)),
			"weekday":     int64(local.Weekday()),
		},
	}
}

// matches evaluates the rule's type clause and, when set, its custom condition.
// The two are compiled as separate programs so a condition can never change how
// the type clause is parsed.
func (en *Engine) matches(rule *FeeRule, facts map[string]any) (bool, error) {
	if rule.BaseAmount.IsNegative() {
		return false, configError(rule, "base amount must not be negative", nil)
	}

	typeProg, condProg, err := en.rulePrograms(rule)
	if err != nil {
		return false, err
	}

	matched, err := evalBool(rule, typeProg, facts)
	if err != nil || !matched || condProg == nil {
		return matched, err
	}
	return evalBool(rule, condProg, facts)
}

func evalBool(rule *FeeRule, prog cel.Program, facts map[string]any) (bool, error) {
	out, _, err := prog.Eval(facts)
	if err != nil {
		return false, configError(rule, "condition failed to evaluate", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, configError(rule, fmt.Sprintf("condition produced %T, want bool", out.Value()), nil)
	}
	return matched, nil
}

// rulePrograms returns the compiled type clause and custom condition of a rule.
// condProg is nil when the rule has no condition.
func (en *Engine) rulePrograms(rule *FeeRule) (typeProg, condProg cel.Program, err error) {
	expr, err := BuildExpression(rule)
	if err != nil {
		return nil, nil, configError(rule, err.Error(), nil)
	}
	if typeProg, err = en.compile(rule, expr); err != nil {
		return nil, nil, err
	}

	if cond := strings.TrimSpace(rule.Condition); cond != "" {
		if condProg, err = en.compile(rule, cond); err != nil {
			return nil, nil, err
		}
	}
	return typeProg, condProg, nil
}

// compile returns the cached program for a single boolean expression
func (en *Engine) compile(rule *FeeRule, expr string) (cel.Program, error) {
	if prog, ok := en.programs.Get(expr); ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, configError(rule, "condition does not compile", issues.Err())
	}
	switch ast.OutputType().String() {
	case "bool", "dyn":
	default:
		return nil, configError(rule, fmt.Sprintf("condition has type %s, want bool", ast.OutputType()), nil)
	}

	prog, err := en.env.Program(ast, cel.CostLimit(maxEvaluationCost))
	if err != nil {
		return nil, configError(rule, "program creation failed", err)
	}

	en.programs.Add(expr, prog)
	return prog, nil
}

// BuildExpression renders the CEL expression for a rule's type and device
// restriction. The custom Condition is not part of it; it is compiled on its own.
func BuildExpression(rule *FeeRule) (string, error) {
	var clauses []string

	switch rule.RuleType {
	case RuleTypeFlat:
		clauses = append(clauses, "true")
	case RuleTypeVehicleType:
		vt := normalizeVehicleType(rule.VehicleType)
		if vt == "" {
			return "", fmt.Errorf("vehicle type is required for %s rules", RuleTypeVehicleType)
		}
		clauses = append(clauses, "crossing.vehicleType == "+strconv.Quote(vt))
	case RuleTypeTimeOfDay:
		windows, err := ParseTimeConditions(rule.TimeConditions)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(windows))
		for _, w := range windows {
			r, _ := w.parse() // already validated by ParseTimeConditions
			if r.from <= r.to {
				parts = append(parts, fmt.Sprintf("(crossing.secondOfDay >= %d && crossing.secondOfDay <= %d)", r.from, r.to))
			} else {
				parts = append(parts, fmt.Sprintf("(crossing.secondOfDay >= %d || crossing.secondOfDay <= %d)", r.from, r.to))
			}
		}
		clauses = append(clauses, "("+strings.Join(parts, " || ")+")")
	default:
		return "", fmt.Errorf("unknown rule type %q", rule.RuleType)
	}

	if len(rule.DeviceIDs) > 0 {
		quoted := make([]string, len(rule.DeviceIDs))
		for i, id := range rule.DeviceIDs {
			quoted[i] = strconv.Quote(id)
		}
		clauses = append(clauses, "crossing.deviceId in ["+strings.Join(quoted, ", ")+"]")
	}

	return strings.Join(clauses, " && "), nil
}

func validateEvent(ev CrossingEvent) error {
	if normalizeVehicleType(ev.VehicleType) == "" {
		return apperrors.NewValidationError("vehicleType", "must not be empty")
	}
	if ev.EntryTime.IsZero() {
		return apperrors.NewValidationError("entryTime", "must be a valid timestamp")
	}
	return nil
}

func configError(rule *FeeRule, reason string, err error) error {
	return &apperrors.ConfigurationError{RuleID: rule.ID, RuleName: rule.Name, Reason: reason, Err: err}
}

func normalizeVehicleType(vt string) string {
	return strings.ToLower(strings.TrimSpace(vt))
}

// calendarDate keeps only the date written in t's own location
func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
