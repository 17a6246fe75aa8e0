package models

import (
	"strings"
	"time"
)

// Service instance status constants
const (
	InstanceStatusActive    = "active"
	InstanceStatusTest      = "test" // trial
	InstanceStatusSuspended = "suspended"
	InstanceStatusExpired   = "expired"
	InstanceStatusCancelled = "cancelled"
)

// BytesPerGB matches the unit the control panel uses for totalGB.
const BytesPerGB int64 = 1 << 30

// ServiceInstance is one user's claim on a credential on a specific server.
type ServiceInstance struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	TelegramID int64  `json:"telegram_id"`
	PlanID     *int64 `json:"plan_id,omitempty"`
	ServerID   int64  `json:"server_id"`

	// Remote credential
	ClientEmail  string `json:"client_email"`
	CredentialID string `json:"credential_id"`
	InboundTag   string `json:"inbound_tag"`
	Links        string `json:"links"`

	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`

	// Usage accounting, bytes
	DataUsed         int64 `json:"data_used"`
	DataLimit        int64 `json:"data_limit"` // 0 = uncapped
	LastSessionUsage int64 `json:"last_session_usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Live reports whether the monitor still manages this instance.
func (s *ServiceInstance) Live() bool {
	return s.Status == InstanceStatusActive || s.Status == InstanceStatusTest
}

// IsTerminal is true for states that are never left again.
func (s *ServiceInstance) IsTerminal() bool {
	return !s.Live()
}

// TotalUsage is the cumulative usage including the current session.
func (s *ServiceInstance) TotalUsage() int64 {
	return s.DataUsed + s.LastSessionUsage
}

// ApplySessionSample folds a new per-session counter into the totals.
// A sample below the baseline means the counter was reset by a restart, so the
// finished session is moved into DataUsed before the baseline is replaced.
// It reports whether a reset was detected.
func (s *ServiceInstance) ApplySessionSample(session int64) bool {
	reset := session < s.LastSessionUsage
	if reset {
		s.DataUsed += s.LastSessionUsage
	}
	s.LastSessionUsage = session
	return reset
}

// OverCap reports whether a capped instance reached its data limit.
func (s *ServiceInstance) OverCap() bool {
	return s.DataLimit > 0 && s.TotalUsage() >= s.DataLimit
}

// Expired reports whether the expiry time has passed at now.
func (s *ServiceInstance) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// LinkList splits the stored links back into individual URIs.
func (s *ServiceInstance) LinkList() []string {
	if s.Links == "" {
		return nil
	}
	return strings.Split(s.Links, ",")
}

// GBToBytes converts a GB quota to bytes. Non-positive values mean uncapped.
func GBToBytes(gb float64) int64 {
	if gb <= 0 {
		return 0
	}
	return int64(gb * float64(BytesPerGB))
}
