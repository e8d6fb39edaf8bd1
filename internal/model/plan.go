package model

import (
	"fmt"
	"strings"
	"time"
)

type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
	UnitMonths  TimeUnit = "months"
)

type DataUnit string

const (
	UnitMB DataUnit = "MB"
	UnitGB DataUnit = "GB"
)

// PlanServices are the router login services a plan may bind accounts to.
var PlanServices = map[string]bool{"": true, "any": true, "pppoe": true, "pptp": true, "l2tp": true, "ovpn": true, "sstp": true}

type Plan struct {
	ID          string
	RouterID    string
	Name        string
	Price       int64
	TimeLimit   int
	TimeUnit    TimeUnit
	DataLimit   int64
	DataUnit    DataUnit
	SharedUsers int
	RateLimit   string
	Profile     string
	Service     string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validity is the plan time-limit as a duration. Months count as 30 days.
func (p Plan) Validity() time.Duration {
	n := time.Duration(p.TimeLimit)
	switch TimeUnit(strings.ToLower(string(p.TimeUnit))) {
	case UnitMinutes:
		return n * time.Minute
	case UnitHours:
		return n * time.Hour
	case UnitDays:
		return n * 24 * time.Hour
	case UnitWeeks:
		return n * 7 * 24 * time.Hour
	case UnitMonths:
		return n * 30 * 24 * time.Hour
	}
	return 0
}

// DataLimitBytes returns zero for unlimited plans.
func (p Plan) DataLimitBytes() int64 {
	switch DataUnit(strings.ToUpper(string(p.DataUnit))) {
	case UnitGB:
		return p.DataLimit << 30
	case UnitMB:
		return p.DataLimit << 20
	}
	return 0
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if p.Price < 0 {
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if p.TimeLimit <= 0 || p.Validity() <= 0 {
		return &ValidationError{Field: "time_limit", Reason: fmt.Sprintf("invalid value %d %s", p.TimeLimit, p.TimeUnit)}
	}
	if p.DataLimit < 0 {
		return &ValidationError{Field: "data_limit", Reason: "must not be negative"}
	}
	if p.DataLimit > 0 && p.DataLimitBytes() == 0 {
		return &ValidationError{Field: "data_unit", Reason: fmt.Sprintf("unknown unit %q", p.DataUnit)}
	}
	if p.SharedUsers < 1 {
		return &ValidationError{Field: "shared_users", Reason: "must be at least 1"}
	}
	if strings.TrimSpace(p.RateLimit) == "" {
		return &ValidationError{Field: "rate_limit", Reason: "is required"}
	}
	if !PlanServices[strings.ToLower(p.Service)] {
		return &ValidationError{Field: "service", Reason: fmt.Sprintf("unsupported service %q", p.Service)}
	}
	return nil
}
