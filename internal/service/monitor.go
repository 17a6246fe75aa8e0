package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/fleet-service/internal/config"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
	"github.com/wenwu/saas-platform/fleet-service/internal/notify"
	"golang.org/x/sync/errgroup"
)

var ErrCycleInProgress = errors.New("monitor cycle already running")

// CycleReport summarizes one monitor pass over the fleet.
type CycleReport struct {
	StartedAt          time.Time          `json:"started_at"`
	Duration           string             `json:"duration"`
	ServersPolled      int                `json:"servers_polled"`
	ServersUnreachable int                `json:"servers_unreachable"`
	InstancesChecked   int                `json:"instances_checked"`
	Suspended          int                `json:"suspended"`
	Expired            int                `json:"expired"`
	Errors             int                `json:"errors"`
	Stats              *models.FleetStats `json:"stats,omitempty"`
}

type serverResult struct {
	unreachable bool
	checked     int
	suspended   int
	expired     int
	errors      int
}

// FleetMonitor polls every active server, syncs user counters and enforces
// data caps and expiry on the instances hosted there.
type FleetMonitor struct {
	servers   ServerStore
	instances InstanceStore
	remote    RemoteControl
	deprov    Deprovisioner
	sink      notify.Sink
	events    EventRecorder

	interval       time.Duration
	maxConcurrency int
	now            func() time.Time

	running atomic.Bool
}

// NewFleetMonitor creates a new fleet monitor
func NewFleetMonitor(
	cfg config.MonitorConfig,
	servers ServerStore,
	instances InstanceStore,
	remote RemoteControl,
	deprov Deprovisioner,
	sink notify.Sink,
	events EventRecorder,
) *FleetMonitor {
	return &FleetMonitor{
		servers:        servers,
		instances:      instances,
		remote:         remote,
		deprov:         deprov,
		sink:           sink,
		events:         events,
		interval:       cfg.Interval,
		maxConcurrency: cfg.MaxConcurrency,
		now:            time.Now,
	}
}

// Start runs a cycle on every tick until ctx is cancelled. Ticks that
// arrive while a cycle is running are dropped.
func (m *FleetMonitor) Start(ctx context.Context) {
	log.Infof("[FleetMonitor] Starting fleet monitoring (every %s)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[FleetMonitor] Fleet monitoring stopped")
			return
		case <-ticker.C:
			if _, err := m.RunCycle(ctx); err != nil {
				if errors.Is(err, ErrCycleInProgress) {
					log.Warn("[FleetMonitor] Another cycle is running, skipping tick")
					continue
				}
				log.Errorf("[FleetMonitor] Cycle failed: %v", err)
			}
		}
	}
}

// RunCycle performs one pass over the fleet.
func (m *FleetMonitor) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer m.running.Store(false)

	start := m.now()
	report := &CycleReport{StartedAt: start}

	servers, err := m.servers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active servers: %w", err)
	}
	log.Debugf("[FleetMonitor] Polling %d servers", len(servers))

	results := make([]serverResult, len(servers))
	var g errgroup.Group
	if m.maxConcurrency > 0 {
		g.SetLimit(m.maxConcurrency)
	}
	for i, s := range servers {
		g.Go(func() error {
			results[i] = m.checkServer(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	report.ServersPolled = len(servers)
	for _, r := range results {
		if r.unreachable {
			report.ServersUnreachable++
		}
		report.InstancesChecked += r.checked
		report.Suspended += r.suspended
		report.Expired += r.expired
		report.Errors += r.errors
	}

	stats, err := m.servers.Stats(ctx)
	if err != nil {
		log.Errorf("[FleetMonitor] Failed to load fleet statistics: %v", err)
	} else {
		report.Stats = stats
		log.WithFields(log.Fields{
			"total_servers":  stats.TotalServers,
			"active_servers": stats.ActiveServers,
			"total_users":    stats.TotalUsers,
			"total_capacity": stats.TotalCapacity,
		}).Infof("[FleetMonitor] Fleet utilization %.0f%%", stats.Utilization())
	}

	report.Duration = m.now().Sub(start).String()
	log.Infof("[FleetMonitor] Cycle done: servers=%d unreachable=%d checked=%d suspended=%d expired=%d errors=%d",
		report.ServersPolled, report.ServersUnreachable, report.InstancesChecked,
		report.Suspended, report.Expired, report.Errors)
	return report, nil
}

func (m *FleetMonitor) checkServer(ctx context.Context, server *models.Server) serverResult {
	var res serverResult
	logger := log.WithField("server", server.Name)

	snap := m.remote.GetStatus(ctx, server)
	if !snap.OK {
		res.unreachable = true
		// fall back to the configured client list for the counter
		doc, err := m.remote.GetConfig(ctx, server)
		if err != nil {
			logger.Warnf("[FleetMonitor] Server unreachable, user counter left unchanged: %v", err)
			return res
		}
		if err := m.servers.SetCurrentUsers(ctx, server.ID, doc.ClientCount()); err != nil {
			logger.Errorf("[FleetMonitor] Failed to update user counter: %v", err)
		}
		logger.Warn("[FleetMonitor] Status unavailable, user counter taken from config")
		return res
	}

	if err := m.servers.SetCurrentUsers(ctx, server.ID, len(snap.Users)); err != nil {
		logger.Errorf("[FleetMonitor] Failed to update user counter: %v", err)
	}

	instances, err := m.instances.ListActiveByServer(ctx, server.ID)
	if err != nil {
		logger.Errorf("[FleetMonitor] Failed to list instances: %v", err)
		res.errors++
		return res
	}

	usage := snap.ByIdentifier()
	for _, inst := range instances {
		res.checked++
		to, err := m.reconcile(ctx, server, inst, usage)
		if err != nil {
			res.errors++
			logger.WithField("instance_id", inst.ID).Errorf("[FleetMonitor] Reconcile failed: %v", err)
			continue
		}
		switch to {
		case models.InstanceStatusSuspended:
			res.suspended++
		case models.InstanceStatusExpired:
			res.expired++
		}
	}
	return res
}

// reconcile applies the telemetry sample and enforces cap and expiry.
// It returns the status the instance moved to, or "" if it stayed live.
func (m *FleetMonitor) reconcile(ctx context.Context, server *models.Server, inst *models.ServiceInstance, usage map[string]models.UserTraffic) (string, error) {
	if sample, ok := usage[inst.ClientEmail]; ok {
		prevUsed, prevSession := inst.DataUsed, inst.LastSessionUsage
		if inst.ApplySessionSample(sample.Total()) {
			log.Infof("[FleetMonitor] Session counter reset detected for instance %d, folded %d bytes", inst.ID, prevSession)
		}
		if inst.DataUsed != prevUsed || inst.LastSessionUsage != prevSession {
			if err := m.instances.UpdateUsage(ctx, inst.ID, inst.DataUsed, inst.LastSessionUsage); err != nil {
				return "", err
			}
		}
	}

	if inst.OverCap() {
		msg := "Your V2Ray service has reached its data limit and has been suspended."
		if err := m.transition(ctx, server, inst, models.InstanceStatusSuspended, models.EventSuspended, msg); err != nil {
			return "", err
		}
		return models.InstanceStatusSuspended, nil
	}

	if inst.Expired(m.now()) {
		msg := fmt.Sprintf("Your V2Ray service on server %s has expired and is now disabled.", server.Name)
		if err := m.transition(ctx, server, inst, models.InstanceStatusExpired, models.EventExpired, msg); err != nil {
			return "", err
		}
		return models.InstanceStatusExpired, nil
	}
	return "", nil
}

// transition removes the credential, then moves the instance to a terminal
// status and tells the user. If removal fails nothing is changed locally and
// the next cycle tries again.
func (m *FleetMonitor) transition(ctx context.Context, server *models.Server, inst *models.ServiceInstance, to, action, msg string) error {
	if _, err := m.deprov.Deprovision(ctx, inst.ClientEmail, server.ID); err != nil {
		return fmt.Errorf("deprovision before %s: %w", to, err)
	}

	moved, err := m.instances.TransitionStatus(ctx, inst.ID, to)
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	if !moved {
		log.Infof("[FleetMonitor] Instance %d already left live state, skipping %s", inst.ID, to)
		return nil
	}
	inst.Status = to

	log.Infof("[FleetMonitor] Instance %d on %s is now %s", inst.ID, server.Name, to)
	m.record(ctx, InstanceSubject(inst.ID), action, to, msg, map[string]interface{}{
		"server_id":  server.ID,
		"data_used":  inst.TotalUsage(),
		"data_limit": inst.DataLimit,
	})
	m.notify(ctx, inst, msg)
	return nil
}

// notify is best-effort; a failed notification never undoes a transition.
func (m *FleetMonitor) notify(ctx context.Context, inst *models.ServiceInstance, msg string) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Notify(ctx, inst.TelegramID, msg); err != nil {
		log.Warnf("[FleetMonitor] Failed to notify user %d about instance %d: %v", inst.UserID, inst.ID, err)
		m.record(ctx, InstanceSubject(inst.ID), models.EventNotificationFailed, "failed", err.Error(), nil)
	}
}

func (m *FleetMonitor) record(ctx context.Context, subject, action, status, message string, metadata map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Record(ctx, subject, action, status, message, metadata); err != nil {
		log.Warnf("[FleetMonitor] Failed to record %s event: %v", action, err)
	}
}
