package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

func srv(id int64, current, max int) *models.Server {
	return &models.Server{
		ID: id, Name: "srv", IP: "10.0.0.1", APIPort: 5000, XrayPort: 8445,
		CurrentUsers: current, MaxUsers: max,
		Status: models.ServerStatusActive, IsActive: true,
		CapacityClass: models.CapacityClassStandard,
	}
}

func TestSelectServerLeastLoaded(t *testing.T) {
	pool := []*models.Server{srv(1, 4, 10), srv(2, 1, 10), srv(3, 7, 10)}
	got, err := SelectServer(pool, "")
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if got.ID != 2 {
		t.Fatalf("selected %d, want 2", got.ID)
	}
}

func TestSelectServerTieBreaksByID(t *testing.T) {
	pool := []*models.Server{srv(9, 2, 10), srv(4, 2, 10), srv(6, 2, 10)}
	got, _ := SelectServer(pool, "")
	if got.ID != 4 {
		t.Fatalf("selected %d, want 4", got.ID)
	}
}

func TestSelectServerLoadNotHeadroom(t *testing.T) {
	a := srv(1, 0, 1)
	b := srv(2, 3, 5)
	got, err := SelectServer([]*models.Server{b, a}, "")
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("selected %d, want server A", got.ID)
	}
}

func TestSelectServerEligibility(t *testing.T) {
	full := srv(1, 10, 10)
	maintenance := srv(2, 0, 10)
	maintenance.Status = models.ServerStatusMaintenance
	disabled := srv(3, 0, 10)
	disabled.IsActive = false
	trial := srv(4, 0, 10)
	trial.CapacityClass = models.CapacityClassTrial

	pool := []*models.Server{full, maintenance, disabled, trial}
	if _, err := SelectServer(pool, models.CapacityClassStandard); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	got, err := SelectServer(pool, models.CapacityClassTrial)
	if err != nil || got.ID != 4 {
		t.Fatalf("trial pool selection = %v, %v", got, err)
	}
	if ranked := RankServers(pool, ""); len(ranked) != 1 {
		t.Fatalf("ranked = %d servers, want 1", len(ranked))
	}
}

func TestReserveExhaustedMutatesNothing(t *testing.T) {
	servers := newFakeServers(srv(1, 5, 5), srv(2, 3, 3))
	reg := NewRegistry(servers, nil, nil)

	if _, err := reg.Reserve(context.Background(), ""); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if servers.get(1).CurrentUsers != 5 || servers.get(2).CurrentUsers != 3 {
		t.Fatalf("counters changed on exhausted pool")
	}
	if servers.incrementCalls != 0 {
		t.Fatalf("increment attempted %d times", servers.incrementCalls)
	}
}

func TestReserveConcurrentNeverOvershoots(t *testing.T) {
	servers := newFakeServers(srv(1, 0, 3), srv(2, 0, 2))
	reg := NewRegistry(servers, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted, refused := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Reserve(context.Background(), "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if errors.Is(err, ErrNoCapacity) {
				refused++
			}
		}()
	}
	wg.Wait()

	if granted != 5 || refused != 15 {
		t.Fatalf("granted=%d refused=%d, want 5/15", granted, refused)
	}
	if servers.get(1).CurrentUsers != 3 || servers.get(2).CurrentUsers != 2 {
		t.Fatalf("overshoot: %d/%d", servers.get(1).CurrentUsers, servers.get(2).CurrentUsers)
	}
}

func TestRegistryAddAndUpdate(t *testing.T) {
	servers := newFakeServers()
	events := &fakeEvents{}
	forget := &fakeForgetter{}
	reg := NewRegistry(servers, events, forget)
	ctx := context.Background()

	name, ip, token := "de-1", "10.0.0.9", "tok"
	s, err := reg.AddServer(ctx, &models.ServerInput{Name: &name, IP: &ip, APIToken: &token})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if s.APIPort != 5000 || s.MaxUsers != 100 || s.XrayPort != 8445 || !s.IsActive {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if !events.has(models.EventServerAdded) {
		t.Fatalf("server_added event missing")
	}

	if _, err := reg.AddServer(ctx, &models.ServerInput{Name: &name}); !errors.Is(err, ErrInvalidServer) {
		t.Fatalf("missing fields: err = %v", err)
	}

	bad := "broken"
	if _, err := reg.UpdateServer(ctx, s.ID, &models.ServerInput{Status: &bad}); !errors.Is(err, ErrInvalidServer) {
		t.Fatalf("bad status: err = %v", err)
	}

	off := false
	newIP := "10.0.0.10"
	updated, err := reg.UpdateServer(ctx, s.ID, &models.ServerInput{IsActive: &off, IP: &newIP})
	if err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}
	if updated.IsActive || updated.IP != newIP || updated.Name != name {
		t.Fatalf("partial update wrong: %+v", updated)
	}
	if len(forget.forgotten) != 1 || forget.forgotten[0] != s.ID {
		t.Fatalf("session not forgotten: %v", forget.forgotten)
	}

	overview, err := reg.Overview(ctx)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if len(overview) != 0 {
		t.Fatalf("disabled server listed in overview")
	}
}

func TestOverviewSlots(t *testing.T) {
	reg := NewRegistry(newFakeServers(srv(1, 3, 10), srv(2, 12, 10)), nil, nil)
	overview, err := reg.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if overview[0].AvailableSlots != 7 || overview[1].AvailableSlots != 0 {
		t.Fatalf("slots = %d, %d", overview[0].AvailableSlots, overview[1].AvailableSlots)
	}
	if overview[0].Utilization != 30 {
		t.Fatalf("utilization = %v", overview[0].Utilization)
	}
}
