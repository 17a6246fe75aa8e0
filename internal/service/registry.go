package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

// Defaults applied when an admin registers a server without them
const (
	defaultAPIPort  = 5000
	defaultMaxUsers = 100
	defaultXrayPort = 8445
)

var ErrInvalidServer = errors.New("invalid server")

// Registry owns the fleet: slot reservation and admin edits.
type Registry struct {
	servers  ServerStore
	events   EventRecorder
	sessions sessionCache
}

// NewRegistry creates a new server registry.
// sessions may be nil; when set, cached control API sessions are dropped on edits.
func NewRegistry(servers ServerStore, events EventRecorder, sessions sessionCache) *Registry {
	return &Registry{
		servers:  servers,
		events:   events,
		sessions: sessions,
	}
}

// ServerOverview is a server together with its free slots.
type ServerOverview struct {
	*models.Server
	AvailableSlots int     `json:"available_slots"`
	Utilization    float64 `json:"utilization"`
}

// Reserve picks the least loaded eligible server of a class and claims one
// slot on it. The claim is a conditional update, so concurrent reservations
// cannot push a server past max_users; a lost race moves on to the next candidate.
func (r *Registry) Reserve(ctx context.Context, class string) (*models.Server, error) {
	pool, err := r.servers.ListAvailable(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("list available servers: %w", err)
	}

	for _, s := range RankServers(pool, class) {
		ok, err := r.servers.TryIncrementUsers(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("reserve slot on %s: %w", s.Name, err)
		}
		if ok {
			s.CurrentUsers++
			return s, nil
		}
		log.Debugf("[Registry] Lost slot race on %s, trying next server", s.Name)
	}
	return nil, ErrNoCapacity
}

// Release gives a reserved slot back.
func (r *Registry) Release(ctx context.Context, serverID int64) error {
	return r.servers.DecrementUsers(ctx, serverID)
}

// Get returns a server by id.
func (r *Registry) Get(ctx context.Context, id int64) (*models.Server, error) {
	return r.servers.GetByID(ctx, id)
}

// Overview lists active servers with their available slots.
func (r *Registry) Overview(ctx context.Context) ([]ServerOverview, error) {
	servers, err := r.servers.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ServerOverview, 0, len(servers))
	for _, s := range servers {
		util := 0.0
		if s.MaxUsers > 0 {
			util = float64(s.CurrentUsers) / float64(s.MaxUsers) * 100
		}
		out = append(out, ServerOverview{Server: s, AvailableSlots: s.AvailableSlots(), Utilization: util})
	}
	return out, nil
}

// List returns every server, including disabled ones.
func (r *Registry) List(ctx context.Context) ([]*models.Server, error) {
	return r.servers.ListAll(ctx)
}

// Stats returns fleet-wide counters.
func (r *Registry) Stats(ctx context.Context) (*models.FleetStats, error) {
	return r.servers.Stats(ctx)
}

// AddServer registers a new server.
func (r *Registry) AddServer(ctx context.Context, in *models.ServerInput) (*models.Server, error) {
	s := &models.Server{
		APIPort:       defaultAPIPort,
		XrayPort:      defaultXrayPort,
		MaxUsers:      defaultMaxUsers,
		CapacityClass: models.CapacityClassStandard,
		Status:        models.ServerStatusActive,
		IsActive:      true,
	}
	applyServerInput(s, in)

	if s.Name == "" || s.IP == "" || s.APIToken == "" {
		return nil, fmt.Errorf("%w: name, ip and api_token are required", ErrInvalidServer)
	}
	if err := validateServer(s); err != nil {
		return nil, err
	}

	if err := r.servers.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	log.Infof("[Registry] Server added: %s (id=%d, class=%s, max_users=%d)", s.Name, s.ID, s.CapacityClass, s.MaxUsers)
	r.record(ctx, s.ID, models.EventServerAdded, "Server registered", nil)
	return s, nil
}

// UpdateServer applies a partial update. Servers are deactivated, never deleted.
func (r *Registry) UpdateServer(ctx context.Context, id int64, in *models.ServerInput) (*models.Server, error) {
	if in.Status != nil && !models.ValidServerStatus(*in.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidServer, *in.Status)
	}
	if in.MaxUsers != nil && *in.MaxUsers <= 0 {
		return nil, fmt.Errorf("%w: max_users must be positive", ErrInvalidServer)
	}
	if (in.APIPort != nil && !validPort(*in.APIPort)) || (in.XrayPort != nil && !validPort(*in.XrayPort)) {
		return nil, fmt.Errorf("%w: port out of range", ErrInvalidServer)
	}

	s, err := r.servers.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	if r.sessions != nil {
		r.sessions.Forget(id)
	}

	log.Infof("[Registry] Server updated: %s (id=%d, status=%s, active=%t)", s.Name, s.ID, s.Status, s.IsActive)
	r.record(ctx, s.ID, models.EventServerUpdated, "Server updated", nil)
	return s, nil
}

func (r *Registry) record(ctx context.Context, serverID int64, action, message string, metadata map[string]interface{}) {
	if r.events == nil {
		return
	}
	if err := r.events.Record(ctx, ServerSubject(serverID), action, "ok", message, metadata); err != nil {
		log.Warnf("[Registry] Failed to record %s event: %v", action, err)
	}
}

func applyServerInput(s *models.Server, in *models.ServerInput) {
	if in == nil {
		return
	}
	if in.Name != nil {
		s.Name = *in.Name
	}
	if in.Domain != nil {
		s.Domain = *in.Domain
	}
	if in.IP != nil {
		s.IP = *in.IP
	}
	if in.APIPort != nil {
		s.APIPort = *in.APIPort
	}
	if in.APIToken != nil {
		s.APIToken = *in.APIToken
	}
	if in.XrayPort != nil {
		s.XrayPort = *in.XrayPort
	}
	if in.MaxUsers != nil {
		s.MaxUsers = *in.MaxUsers
	}
	if in.CapacityClass != nil {
		s.CapacityClass = *in.CapacityClass
	}
	if in.Status != nil {
		s.Status = *in.Status
	}
	if in.IsActive != nil {
		s.IsActive = *in.IsActive
	}
	if in.Location != nil {
		s.Location = *in.Location
	}
}

func validateServer(s *models.Server) error {
	if !models.ValidServerStatus(s.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidServer, s.Status)
	}
	if s.MaxUsers <= 0 {
		return fmt.Errorf("%w: max_users must be positive", ErrInvalidServer)
	}
	if !validPort(s.APIPort) || !validPort(s.XrayPort) {
		return fmt.Errorf("%w: port out of range", ErrInvalidServer)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// ServerSubject is the event subject for a server.
func ServerSubject(id int64) string {
	return "server:" + strconv.FormatInt(id, 10)
}

// InstanceSubject is the event subject for a service instance.
func InstanceSubject(id int64) string {
	return "instance:" + strconv.FormatInt(id, 10)
}
