package fees

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType selects how a fee rule decides whether it applies to a crossing
type RuleType string

const (
	RuleTypeFlat        RuleType = "flat"
	RuleTypeTimeOfDay   RuleType = "time_of_day"
	RuleTypeVehicleType RuleType = "vehicle_type"
)

// Valid reports whether t is one of the known rule types
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeFlat, RuleTypeTimeOfDay, RuleTypeVehicleType:
		return true
	}
	return false
}

// ResolutionMode pins how the engine picks the winning amount among matching rules
type ResolutionMode string

const (
	// ResolveHighestPriority takes the single highest-priority match; ties go to the lowest rule ID
	ResolveHighestPriority ResolutionMode = "highest_priority"

	// ResolveLastMatch walks rules in priority order and lets every match overwrite the
	// running fee, so the last match wins. Kept for compatibility with the legacy simulator.
	ResolveLastMatch ResolutionMode = "last_match"
)

// FeeRule is a single pricing rule as configured by an administrator
type FeeRule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	RuleType       RuleType        `json:"ruleType"`
	BaseAmount     decimal.Decimal `json:"baseAmount"`
	VehicleType    string          `json:"vehicleType,omitempty"`
	TimeConditions json.RawMessage `json:"timeConditions,omitempty"`
	DeviceIDs      []string        `json:"deviceIds,omitempty"`
	Condition      string          `json:"condition,omitempty"` // optional CEL guard over crossing facts
	IsActive       bool            `json:"isActive"`
	Priority       int             `json:"priority"`
	ValidFrom      *time.Time      `json:"validFrom,omitempty"`
	ValidUntil     *time.Time      `json:"validUntil,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// CrossingEvent is a vehicle passing a toll point. It is never persisted by the engine.
type CrossingEvent struct {
	VehicleType string    `json:"vehicleType"`
	PlateNumber string    `json:"plateNumber,omitempty"` // audit display only
	EntryTime   time.Time `json:"entryTime"`
	DeviceID    string    `json:"deviceId,omitempty"`
}

// RuleWarning records a rule skipped during evaluation
type RuleWarning struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Message  string `json:"message"`
}

// FeeQuote is the outcome of a fee computation
type FeeQuote struct {
	CalculatedFee decimal.Decimal `json:"calculatedFee"`
	Currency      string          `json:"currency,omitempty"`
	AppliedRules  []string        `json:"appliedRules"`
	MatchedRules  []string        `json:"matchedRules"`
	Warnings      []RuleWarning   `json:"warnings,omitempty"`
	VehicleType   string          `json:"vehicleType"`
	PlateNumber   string          `json:"plateNumber,omitempty"`
	EntryTime     time.Time       `json:"entryTime"`
}
