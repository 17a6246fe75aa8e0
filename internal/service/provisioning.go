package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/fleet-service/internal/config"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
	"github.com/wenwu/saas-platform/fleet-service/internal/vless"
)

// Provisioning stages, reported in ProvisionError
const (
	StageSelect       = "select_server"
	StageFetchConfig  = "fetch_config"
	StagePrepare      = "prepare_credential"
	StageUpdateConfig = "update_config"
	StagePersist      = "persist_instance"
)

// Provision outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeDegraded = "degraded" // config pushed but restart not confirmed
)

var (
	ErrDuplicateIdentifier = errors.New("identifier already provisioned on server")
	ErrInvalidRequest      = errors.New("invalid provision request")
)

// User-facing failure texts
const (
	msgNoCapacity = "All servers are currently full. Please try again later."
	msgGeneric    = "Service creation failed. Please contact support."
)

// ProvisionError tags a provisioning failure with the step that failed.
type ProvisionError struct {
	Stage string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision failed at %s: %v", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// UserMessage is safe to show to the end user.
func (e *ProvisionError) UserMessage() string {
	if errors.Is(e.Err, ErrNoCapacity) {
		return msgNoCapacity
	}
	return msgGeneric
}

// ProvisionResult is returned on success, possibly degraded.
type ProvisionResult struct {
	Outcome        string                  `json:"outcome"`
	Message        string                  `json:"message"`
	Links          vless.LinkSet           `json:"links"`
	Server         *models.Server          `json:"server"`
	Instance       *models.ServiceInstance `json:"instance"`
	RestartApplied bool                    `json:"restart_applied"`
}

// ProvisioningEngine places credentials on servers and removes them again.
type ProvisioningEngine struct {
	xray      config.XrayConfig
	provision config.ProvisionConfig
	registry  *Registry
	instances InstanceStore
	remote    RemoteControl
	events    EventRecorder

	now   func() time.Time
	newID func() string
}

// NewProvisioningEngine creates a new provisioning engine
func NewProvisioningEngine(
	cfg *config.Config,
	registry *Registry,
	instances InstanceStore,
	remote RemoteControl,
	events EventRecorder,
) *ProvisioningEngine {
	return &ProvisioningEngine{
		xray:      cfg.Xray,
		provision: cfg.Provision,
		registry:  registry,
		instances: instances,
		remote:    remote,
		events:    events,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Provision creates a credential for the request on the least loaded server.
func (e *ProvisioningEngine) Provision(ctx context.Context, req *models.ProvisionRequest) (*ProvisionResult, error) {
	if err := validateProvisionRequest(req); err != nil {
		return nil, &ProvisionError{Stage: StagePrepare, Err: err}
	}

	class := e.provision.DefaultCapacityClass
	if req.Trial {
		class = e.provision.TrialCapacityClass
	}

	// 日志脱敏: 不记录 identifier
	log.Infof("[Provisioning] Provisioning user=%d trial=%t class=%s", req.UserID, req.Trial, class)

	// 1. Select and reserve a slot
	server, err := e.registry.Reserve(ctx, class)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			log.Warnf("[Provisioning] No capacity in class %s for user=%d", class, req.UserID)
		} else {
			log.Errorf("[Provisioning] Server selection failed: %v", err)
		}
		return nil, &ProvisionError{Stage: StageSelect, Err: err}
	}

	// 2. Fetch config and locate the vless inbound
	doc, err := e.remote.GetConfig(ctx, server)
	if err != nil {
		e.releaseSlot(ctx, server)
		return nil, e.fail(ctx, req, server, StageFetchConfig, err)
	}
	inbound, err := doc.VLESSInbound()
	if err != nil {
		e.releaseSlot(ctx, server)
		return nil, e.fail(ctx, req, server, StageFetchConfig, err)
	}
	inbound.EnsureClients()
	if inbound.HasClient(req.Identifier) {
		e.releaseSlot(ctx, server)
		return nil, e.fail(ctx, req, server, StagePrepare, ErrDuplicateIdentifier)
	}

	// 3. Fresh credential
	now := e.now()
	expiresAt := now.Add(time.Duration(req.DurationDays) * 24 * time.Hour)
	dataCapGB := req.DataCapGB
	if req.Trial {
		expiresAt = now.Add(e.provision.TrialDuration)
		if dataCapGB <= 0 {
			dataCapGB = e.provision.TrialDataGB
		}
	}
	client := models.NewClient(e.newID(), req.Identifier, e.xray.Flow, dataCapGB, expiresAt, now)

	// 4. Push the mutated document
	inbound.AddClient(client)
	if err := e.remote.UpdateConfig(ctx, server, doc); err != nil {
		e.releaseSlot(ctx, server)
		return nil, e.fail(ctx, req, server, StageUpdateConfig, err)
	}

	// 5. Best-effort restart
	restarted := e.remote.Restart(ctx, server)
	if !restarted {
		log.Warnf("[Provisioning] Config updated on %s but restart failed; the daemon will pick it up later", server.Name)
	}

	// 6. Links
	links := vless.Generate(vless.ParamsFor(server, inbound, client, e.xray.RealityPublicKey, e.xray.DefaultSNI))

	// 7. The slot was claimed in step 1
	// 8. Persist
	status := models.InstanceStatusActive
	if req.Trial {
		status = models.InstanceStatusTest
	}
	inst := &models.ServiceInstance{
		UserID:       req.UserID,
		TelegramID:   req.TelegramID,
		PlanID:       req.PlanID,
		ServerID:     server.ID,
		ClientEmail:  client.Email,
		CredentialID: client.ID,
		InboundTag:   inbound.Tag,
		Links:        links.Join(),
		Status:       status,
		ExpiresAt:    expiresAt,
		DataLimit:    models.GBToBytes(dataCapGB),
	}
	if err := e.instances.Create(ctx, inst); err != nil {
		// the credential is live on the server without a local row; needs manual reconciliation
		log.WithFields(log.Fields{
			"server_id":     server.ID,
			"user_id":       req.UserID,
			"credential_id": client.ID,
		}).Errorf("[Provisioning] PARTIAL FAILURE: credential created on %s but instance not persisted: %v", server.Name, err)
		e.record(ctx, ServerSubject(server.ID), models.EventProvisionPartial, "failed",
			"credential live on server without local instance row",
			map[string]interface{}{"user_id": req.UserID, "credential_id": client.ID, "error": err.Error()})
		return nil, &ProvisionError{Stage: StagePersist, Err: err}
	}

	result := &ProvisionResult{
		Outcome:        OutcomeSuccess,
		Message:        "Service created",
		Links:          links,
		Server:         server,
		Instance:       inst,
		RestartApplied: restarted,
	}
	if !restarted {
		result.Outcome = OutcomeDegraded
		result.Message = "Service created; it may take a few minutes to become reachable"
	}

	log.Infof("[Provisioning] Instance %d created on %s (outcome=%s)", inst.ID, server.Name, result.Outcome)
	e.record(ctx, InstanceSubject(inst.ID), models.EventProvisioned, status, result.Message,
		map[string]interface{}{"server_id": server.ID, "restart_applied": restarted})
	return result, nil
}

// Deprovision removes the credential with this identifier from a server.
// It returns false without error when no such credential exists.
func (e *ProvisioningEngine) Deprovision(ctx context.Context, identifier string, serverID int64) (bool, error) {
	server, err := e.registry.Get(ctx, serverID)
	if err != nil {
		return false, fmt.Errorf("get server %d: %w", serverID, err)
	}

	doc, err := e.remote.GetConfig(ctx, server)
	if err != nil {
		return false, err
	}
	inbound, err := doc.VLESSInbound()
	if err != nil {
		return false, fmt.Errorf("deprovision on %s: %w", server.Name, err)
	}
	if !inbound.RemoveClient(identifier) {
		log.Infof("[Provisioning] Credential not present on %s, nothing to remove", server.Name)
		return false, nil
	}

	if err := e.remote.UpdateConfig(ctx, server, doc); err != nil {
		return false, err
	}
	if !e.remote.Restart(ctx, server) {
		log.Warnf("[Provisioning] Credential removed from %s config but restart failed", server.Name)
	}

	if err := e.registry.Release(ctx, server.ID); err != nil {
		// remote removal already happened; the next monitor cycle resets the counter
		log.Errorf("[Provisioning] Failed to decrement users on %s: %v", server.Name, err)
	}

	log.Infof("[Provisioning] Credential removed from %s", server.Name)
	e.record(ctx, ServerSubject(server.ID), models.EventDeprovisioned, "ok", "credential removed", nil)
	return true, nil
}

func (e *ProvisioningEngine) fail(ctx context.Context, req *models.ProvisionRequest, server *models.Server, stage string, err error) error {
	log.Errorf("[Provisioning] Provisioning on %s failed at %s: %v", server.Name, stage, err)
	e.record(ctx, ServerSubject(server.ID), models.EventProvisionFailed, "failed", err.Error(),
		map[string]interface{}{"user_id": req.UserID, "stage": stage})
	return &ProvisionError{Stage: stage, Err: err}
}

// releaseSlot undoes the reservation when nothing was changed remotely.
func (e *ProvisioningEngine) releaseSlot(ctx context.Context, server *models.Server) {
	if err := e.registry.Release(ctx, server.ID); err != nil {
		log.Errorf("[Provisioning] Failed to release slot on %s: %v", server.Name, err)
	}
}

func (e *ProvisioningEngine) record(ctx context.Context, subject, action, status, message string, metadata map[string]interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Record(ctx, subject, action, status, message, metadata); err != nil {
		log.Warnf("[Provisioning] Failed to record %s event: %v", action, err)
	}
}

func validateProvisionRequest(req *models.ProvisionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	if req.Identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	if !req.Trial && req.DurationDays <= 0 {
		return fmt.Errorf("%w: duration_days must be positive for paid plans", ErrInvalidRequest)
	}
	if req.DataCapGB < 0 {
		return fmt.Errorf("%w: data_cap_gb must not be negative", ErrInvalidRequest)
	}
	return nil
}
