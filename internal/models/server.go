package models

import (
	"fmt"
	"time"
)

// Server status constants
const (
	ServerStatusActive      = "active"
	ServerStatusMaintenance = "maintenance"
	ServerStatusOffline     = "offline"
)

// Capacity classes partition the fleet into separate allocation pools.
const (
	CapacityClassStandard = "standard"
	CapacityClassTrial    = "trial"
)

// Server is one proxy host in the fleet.
type Server struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	IP       string `json:"ip"`
	APIPort  int    `json:"api_port"`
	APIToken string `json:"-"`
	XrayPort int    `json:"xray_port"`

	// Capacity
	MaxUsers      int    `json:"max_users"`
	CurrentUsers  int    `json:"current_users"`
	CapacityClass string `json:"capacity_class"`

	Status   string `json:"status"`
	IsActive bool   `json:"is_active"`
	Location string `json:"location"`

	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Eligible reports whether the server may receive a new client.
func (s *Server) Eligible() bool {
	return s.Status == ServerStatusActive && s.IsActive && s.CurrentUsers < s.MaxUsers
}

// AvailableSlots never goes below zero, even when the counter drifted past max.
func (s *Server) AvailableSlots() int {
	if n := s.MaxUsers - s.CurrentUsers; n > 0 {
		return n
	}
	return 0
}

// BaseURL is the root of the server's control API.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.IP, s.APIPort)
}

// Host is what client links point at: the domain when set, the IP otherwise.
func (s *Server) Host() string {
	if s.Domain != "" {
		return s.Domain
	}
	return s.IP
}

// FleetStats aggregates counters over all enabled servers.
type FleetStats struct {
	TotalServers  int `json:"total_servers"`
	ActiveServers int `json:"active_servers"`
	TotalUsers    int `json:"total_users"`
	TotalCapacity int `json:"total_capacity"`
}

// Utilization is the used share of capacity in percent.
func (f FleetStats) Utilization() float64 {
	if f.TotalCapacity == 0 {
		return 0
	}
	return float64(f.TotalUsers) / float64(f.TotalCapacity) * 100
}

// ServerInput is used by admin create and partial update. Nil fields are left unchanged on update.
type ServerInput struct {
	Name          *string `json:"name"`
	Domain        *string `json:"domain"`
	IP            *string `json:"ip"`
	APIPort       *int    `json:"api_port"`
	APIToken      *string `json:"api_token"`
	XrayPort      *int    `json:"xray_port"`
	MaxUsers      *int    `json:"max_users"`
	CapacityClass *string `json:"capacity_class"`
	Status        *string `json:"status"`
	IsActive      *bool   `json:"is_active"`
	Location      *string `json:"location"`
}

// ValidServerStatus reports whether s is a known server status.
func ValidServerStatus(s string) bool {
	switch s {
	case ServerStatusActive, ServerStatusMaintenance, ServerStatusOffline:
		return true
	}
	return false
}
