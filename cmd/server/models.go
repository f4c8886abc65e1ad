package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/tollpricing/fees"
	"github.com/liamcoop/tollpricing/reconcile"
)

// API request and response models

// CrossingEventRequest is a vehicle crossing submitted for a quote
type CrossingEventRequest struct {
	VehicleType string     `json:"vehicleType" validate:"required,max=50" example:"car"`
	PlateNumber string     `json:"plateNumber,omitempty" validate:"max=20" example:"ABC 123"`
	EntryTime   *time.Time `json:"entryTime" validate:"required" example:"2025-03-12T08:00:00Z"`
	DeviceID    string     `json:"deviceId,omitempty" validate:"max=100" example:"gate-4"`
}

func (r CrossingEventRequest) toEvent() fees.CrossingEvent {
	ev := fees.CrossingEvent{
		VehicleType: r.VehicleType,
		PlateNumber: r.PlateNumber,
		DeviceID:    r.DeviceID,
	}
	if r.EntryTime != nil {
		ev.EntryTime = *r.EntryTime
	}
	return ev
}

// QuoteRequest prices a crossing against the stored active rules
type QuoteRequest struct {
	Event CrossingEventRequest `json:"event" validate:"required"`
}

// ComputeRequest prices a crossing against a caller-supplied rule set
type ComputeRequest struct {
	RuleSet []*fees.FeeRule      `json:"ruleSet"`
	Event   CrossingEventRequest `json:"event" validate:"required"`
}

// RuleRequest is the body for creating or replacing a fee rule
type RuleRequest struct {
	Name           string          `json:"name" validate:"required,max=100" example:"Peak"`
	RuleType       string          `json:"ruleType" validate:"required,oneof=flat time_of_day vehicle_type" example:"time_of_day"`
	BaseAmount     decimal.Decimal `json:"baseAmount" example:"20.00"`
	VehicleType    string          `json:"vehicleType,omitempty" validate:"max=50" example:"truck"`
	TimeConditions json.RawMessage `json:"timeConditions,omitempty"`
	DeviceIDs      []string        `json:"deviceIds,omitempty" validate:"max=500,dive,required"`
	Condition      string          `json:"condition,omitempty" validate:"max=2000"`
	IsActive       *bool           `json:"isActive,omitempty"`
	Priority       int             `json:"priority" example:"10"`
	ValidFrom      *time.Time      `json:"validFrom,omitempty"`
	ValidUntil     *time.Time      `json:"validUntil,omitempty"`
}

func (r RuleRequest) toRule(id string) *fees.FeeRule {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &fees.FeeRule{
		ID:             id,
		Name:           r.Name,
		RuleType:       fees.RuleType(r.RuleType),
		BaseAmount:     r.BaseAmount,
		VehicleType:    r.VehicleType,
		TimeConditions: r.TimeConditions,
		DeviceIDs:      r.DeviceIDs,
		Condition:      r.Condition,
		IsActive:       active,
		Priority:       r.Priority,
		ValidFrom:      r.ValidFrom,
		ValidUntil:     r.ValidUntil,
	}
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules []*fees.FeeRule `json:"rules"`
}

// ReconcileRequest compares two record sets directly
type ReconcileRequest struct {
	Ours   []reconcile.Record `json:"ours"`
	Theirs []reconcile.Record `json:"theirs"`
}

// ReconcileResponse lists the discrepancies found
type ReconcileResponse struct {
	Discrepancies []reconcile.Discrepancy `json:"discrepancies"`
	Count         int                     `json:"count"`
}

// FilesListResponse is the response for listing reconciliation files
type FilesListResponse struct {
	Files []*reconcile.File `json:"files"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error" example:"validation failed"`
	Code    string `json:"code" example:"VALIDATION_ERROR"`
	Details any    `json:"details,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status   string `json:"status" example:"healthy"`
	Database string `json:"database,omitempty" example:"ok"`
}

// parseFormTime accepts RFC 3339 timestamps or plain dates; empty is the zero time
func parseFormTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
