package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"agentteams.app/portal/internal/logger"
)

type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanAnnual  Plan = "annual"
)

func (p Plan) Valid() bool {
	return p == PlanMonthly || p == PlanAnnual
}

// ParsePlan maps a raw plan value to a Plan, falling back to monthly.
func ParsePlan(raw string) Plan {
	p := Plan(raw)
	if !p.Valid() {
		return PlanMonthly
	}
	return p
}

type Status string

const (
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := Status(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown license status %q", raw)
	}
	*s = status
	return nil
}

// License is an immutable snapshot of a backend license record.
type License struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Plan        Plan       `json:"plan"`
	Status      Status     `json:"status"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	MachineID   string     `json:"machineId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

const DemoLicenseID = "demo"

// DemoLicense builds the license handed over by the demo checkout. The
// backend already issued it, so the status is always active.
func DemoLicense(key, plan, expires string, now time.Time) License {
	license := License{
		ID:        DemoLicenseID,
		Key:       key,
		Plan:      ParsePlan(plan),
		Status:    StatusActive,
		CreatedAt: now,
	}
	if expires != "" {
		t, err := time.Parse(time.RFC3339Nano, expires)
		if err != nil {
			logger.Debug("Ignoring unparseable demo license expiry", map[string]interface{}{
				"expires": expires,
				"error":   err.Error(),
			})
		} else {
			license.ExpiresAt = &t
		}
	}
	return license
}

// DaysLeft renders the remaining lifetime the way the dashboard card shows it.
func (l License) DaysLeft(now time.Time) string {
	if l.ExpiresAt == nil {
		return "—"
	}
	days := int(math.Ceil(l.ExpiresAt.Sub(now).Hours() / 24))
	if days <= 0 {
		return "Expired"
	}
	if days == 1 {
		return "1 day left"
	}
	return fmt.Sprintf("%d days left", days)
}

func (l License) Renewable() bool {
	return l.Status == StatusActive || l.Status == StatusExpired
}

func (l License) RenewLabel() string {
	if l.Status == StatusExpired {
		return "Renew License"
	}
	return "Extend License"
}

// Bound reports whether the license is locked to a machine.
func (l License) Bound() bool {
	return l.MachineID != ""
}
