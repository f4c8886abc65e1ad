package fees

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/tollpricing/internal/apperrors"
)

const (
	maxNameLength        = 100
	maxVehicleTypeLength = 50
	maxTimeWindows       = 24
	maxDeviceIDs         = 500
	maxConditionLength   = 2000
)

var vehicleTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidateRule checks a rule before it is written to a store.
// Returns a ValidationError describing the first problem found, nil if the rule is valid.
func (en *Engine) ValidateRule(rule *FeeRule) error {
	if rule == nil {
		return apperrors.NewValidationError("rule", "must not be nil")
	}

	name := strings.TrimSpace(rule.Name)
	if name == "" {
		return apperrors.NewValidationError("name", "must not be empty")
	}
	if len(name) > maxNameLength {
		return apperrors.NewValidationError("name", "length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}

	if !rule.RuleType.Valid() {
		return apperrors.NewValidationError("ruleType", "must be one of %s, %s, %s", RuleTypeFlat, RuleTypeTimeOfDay, RuleTypeVehicleType)
	}

	if rule.BaseAmount.IsNegative() {
		return apperrors.NewValidationError("baseAmount", "must not be negative, got %s", rule.BaseAmount)
	}

	switch rule.RuleType {
	case RuleTypeVehicleType:
		if err := validateVehicleType(rule.VehicleType); err != nil {
			return err
		}
	case RuleTypeTimeOfDay:
		if _, err := ParseTimeConditions(rule.TimeConditions); err != nil {
			return apperrors.NewValidationError("timeConditions", "%v", err)
		}
	}

	if len(rule.DeviceIDs) > maxDeviceIDs {
		return apperrors.NewValidationError("deviceIds", "contains %d devices, maximum allowed is %d", len(rule.DeviceIDs), maxDeviceIDs)
	}
	for i, id := range rule.DeviceIDs {
		if strings.TrimSpace(id) == "" {
			return apperrors.NewValidationError(fmt.Sprintf("deviceIds[%d]", i), "must not be empty")
		}
	}

	if len(rule.Condition) > maxConditionLength {
		return apperrors.NewValidationError("condition", "length %d exceeds maximum of %d characters", len(rule.Condition), maxConditionLength)
	}

	if rule.ValidFrom != nil && rule.ValidUntil != nil && calendarDate(*rule.ValidUntil).Before(calendarDate(*rule.ValidFrom)) {
		return apperrors.NewValidationError("validUntil", "must not be before validFrom")
	}

	// Catches CEL errors in custom conditions
	if err := en.CompileRule(rule); err != nil {
		return apperrors.NewValidationError("condition", "%v", err)
	}

	return nil
}

// validateVehicleType checks a vehicle tag such as "car" or "heavy_truck"
func validateVehicleType(vt string) error {
	tag := normalizeVehicleType(vt)
	if tag == "" {
		return apperrors.NewValidationError("vehicleType", "is required for %s rules", RuleTypeVehicleType)
	}
	if len(tag) > maxVehicleTypeLength {
		return apperrors.NewValidationError("vehicleType", "length %d exceeds maximum of %d characters", len(tag), maxVehicleTypeLength)
	}
	if !vehicleTypePattern.MatchString(tag) {
		return apperrors.NewValidationError("vehicleType", "%q must match %s", vt, vehicleTypePattern)
	}
	return nil
}
