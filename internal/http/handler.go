package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
	"github.com/wenwu/saas-platform/fleet-service/internal/repository"
	"github.com/wenwu/saas-platform/fleet-service/internal/service"
)

type Provisioner interface {
	Provision(ctx context.Context, req *models.ProvisionRequest) (*service.ProvisionResult, error)
	Deprovision(ctx context.Context, identifier string, serverID int64) (bool, error)
}

type Fleet interface {
	Overview(ctx context.Context) ([]service.ServerOverview, error)
	AddServer(ctx context.Context, in *models.ServerInput) (*models.Server, error)
	UpdateServer(ctx context.Context, id int64, in *models.ServerInput) (*models.Server, error)
	Stats(ctx context.Context) (*models.FleetStats, error)
}

type Monitor interface {
	RunCycle(ctx context.Context) (*service.CycleReport, error)
}

type InstanceLister interface {
	ListByUser(ctx context.Context, userID int64) ([]*models.ServiceInstance, error)
}

type EventLister interface {
	ListBySubject(ctx context.Context, subject string, limit int) ([]*models.FleetEvent, error)
}

type Handler struct {
	provisioner Provisioner
	fleet       Fleet
	monitor     Monitor
	instances   InstanceLister
	events      EventLister
}

func NewHandler(provisioner Provisioner, fleet Fleet, monitor Monitor, instances InstanceLister, events EventLister) *Handler {
	return &Handler{
		provisioner: provisioner,
		fleet:       fleet,
		monitor:     monitor,
		instances:   instances,
		events:      events,
	}
}

// ==================== Provisioning ====================

// Provision creates a service instance on the least loaded server
func (h *Handler) Provision(c *gin.Context) {
	var req models.ProvisionRequest
	// body may already be cached by the rate limiter
	if err := c.ShouldBindBodyWithJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.provisioner.Provision(c.Request.Context(), &req)
	if err != nil {
		var pe *service.ProvisionError
		if errors.As(err, &pe) {
			c.JSON(statusFor(err), gin.H{"error": pe.UserMessage(), "stage": pe.Stage})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Deprovision removes a credential; removing an absent one is not an error
func (h *Handler) Deprovision(c *gin.Context) {
	var req models.DeprovisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := h.provisioner.Deprovision(c.Request.Context(), req.Identifier, req.ServerID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := models.DeprovisionResponse{Removed: removed, Message: "credential removed"}
	if !removed {
		resp.Message = "credential not present"
	}
	c.JSON(http.StatusOK, resp)
}

// ==================== Fleet ====================

func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.fleet.Overview(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if servers == nil {
		servers = []service.ServerOverview{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (h *Handler) AddServer(c *gin.Context) {
	var in models.ServerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.fleet.AddServer(c.Request.Context(), &in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) UpdateServer(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var in models.ServerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.fleet.UpdateServer(c.Request.Context(), id, &in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) ListServerEvents(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, err := h.events.ListBySubject(c.Request.Context(), service.ServerSubject(id), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*models.FleetEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) FleetStats(c *gin.Context) {
	stats, err := h.fleet.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_servers":  stats.TotalServers,
		"active_servers": stats.ActiveServers,
		"total_users":    stats.TotalUsers,
		"total_capacity": stats.TotalCapacity,
		"utilization":    stats.Utilization(),
	})
}

func (h *Handler) ListUserInstances(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}

	instances, err := h.instances.ListByUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if instances == nil {
		instances = []*models.ServiceInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

// RunMonitor triggers one monitor cycle synchronously
func (h *Handler) RunMonitor(c *gin.Context) {
	report, err := h.monitor.RunCycle(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ==================== Helpers ====================

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidServer):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateIdentifier), errors.Is(err, service.ErrCycleInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorf("[HTTP] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
