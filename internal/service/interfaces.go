package service

import (
	"context"

	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

// ServerStore is the persistence port for server rows.
type ServerStore interface {
	ListAvailable(ctx context.Context, class string) ([]*models.Server, error)
	ListActive(ctx context.Context) ([]*models.Server, error)
	ListAll(ctx context.Context) ([]*models.Server, error)
	GetByID(ctx context.Context, id int64) (*models.Server, error)
	TryIncrementUsers(ctx context.Context, id int64) (bool, error)
	DecrementUsers(ctx context.Context, id int64) error
	SetCurrentUsers(ctx context.Context, id int64, count int) error
	Stats(ctx context.Context) (*models.FleetStats, error)
	Create(ctx context.Context, s *models.Server) error
	Update(ctx context.Context, id int64, in *models.ServerInput) (*models.Server, error)
}

// InstanceStore is the persistence port for service instances.
type InstanceStore interface {
	Create(ctx context.Context, inst *models.ServiceInstance) error
	ListActiveByServer(ctx context.Context, serverID int64) ([]*models.ServiceInstance, error)
	UpdateUsage(ctx context.Context, id, dataUsed, lastSession int64) error
	TransitionStatus(ctx context.Context, id int64, to string) (bool, error)
}

// EventRecorder writes audit events. Callers treat failures as non-fatal.
type EventRecorder interface {
	Record(ctx context.Context, subject, action, status, message string, metadata map[string]interface{}) error
}

// RemoteControl is the control API of the proxy servers.
type RemoteControl interface {
	GetConfig(ctx context.Context, server *models.Server) (*models.ConfigDocument, error)
	UpdateConfig(ctx context.Context, server *models.Server, doc *models.ConfigDocument) error
	Restart(ctx context.Context, server *models.Server) bool
	GetStatus(ctx context.Context, server *models.Server) *models.StatusSnapshot
}

// Deprovisioner removes a credential from a server.
type Deprovisioner interface {
	Deprovision(ctx context.Context, identifier string, serverID int64) (bool, error)
}

type sessionCache interface {
	Forget(serverID int64)
}
