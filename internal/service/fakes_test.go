package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/wenwu/saas-platform/fleet-service/internal/models"
	"github.com/wenwu/saas-platform/fleet-service/internal/repository"
)

type fakeServers struct {
	mu      sync.Mutex
	servers map[int64]*models.Server
	nextID  int64

	incrementCalls int
	setCalls       map[int64][]int
}

func newFakeServers(servers ...*models.Server) *fakeServers {
	f := &fakeServers{servers: map[int64]*models.Server{}, setCalls: map[int64][]int{}, nextID: 100}
	for _, s := range servers {
		cp := *s
		f.servers[s.ID] = &cp
	}
	return f
}

func (f *fakeServers) snapshot(filter func(*models.Server) bool) []*models.Server {
	var out []*models.Server
	for _, s := range f.servers {
		if filter(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeServers) get(id int64) *models.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.servers[id]
	return &cp
}

func (f *fakeServers) ListAvailable(_ context.Context, class string) ([]*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(func(s *models.Server) bool {
		return s.Eligible() && (class == "" || s.CapacityClass == class)
	}), nil
}

func (f *fakeServers) ListActive(context.Context) ([]*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(func(s *models.Server) bool {
		return s.Status == models.ServerStatusActive && s.IsActive
	}), nil
}

func (f *fakeServers) ListAll(context.Context) ([]*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(func(*models.Server) bool { return true }), nil
}

func (f *fakeServers) GetByID(_ context.Context, id int64) (*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeServers) TryIncrementUsers(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrementCalls++
	s, ok := f.servers[id]
	if !ok || !s.Eligible() {
		return false, nil
	}
	s.CurrentUsers++
	return true, nil
}

func (f *fakeServers) DecrementUsers(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.servers[id]; ok && s.CurrentUsers > 0 {
		s.CurrentUsers--
	}
	return nil
}

func (f *fakeServers) SetCurrentUsers(_ context.Context, id int64, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls[id] = append(f.setCalls[id], count)
	if s, ok := f.servers[id]; ok {
		s.CurrentUsers = count
	}
	return nil
}

func (f *fakeServers) Stats(context.Context) (*models.FleetStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st models.FleetStats
	for _, s := range f.servers {
		if !s.IsActive {
			continue
		}
		st.TotalServers++
		if s.Status == models.ServerStatusActive {
			st.ActiveServers++
		}
		st.TotalUsers += s.CurrentUsers
		st.TotalCapacity += s.MaxUsers
	}
	return &st, nil
}

func (f *fakeServers) Create(_ context.Context, s *models.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = f.nextID
	cp := *s
	f.servers[s.ID] = &cp
	return nil
}

func (f *fakeServers) Update(_ context.Context, id int64, in *models.ServerInput) (*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	applyServerInput(s, in)
	cp := *s
	return &cp, nil
}

type fakeInstances struct {
	mu        sync.Mutex
	instances map[int64]*models.ServiceInstance
	nextID    int64
	createErr error
	usageErr  map[int64]error
}

func newFakeInstances(list ...*models.ServiceInstance) *fakeInstances {
	f := &fakeInstances{instances: map[int64]*models.ServiceInstance{}, usageErr: map[int64]error{}}
	for _, inst := range list {
		cp := *inst
		f.instances[inst.ID] = &cp
		if inst.ID > f.nextID {
			f.nextID = inst.ID
		}
	}
	return f
}

func (f *fakeInstances) get(id int64) *models.ServiceInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.instances[id]
	return &cp
}

func (f *fakeInstances) Create(_ context.Context, inst *models.ServiceInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	inst.ID = f.nextID
	cp := *inst
	f.instances[inst.ID] = &cp
	return nil
}

func (f *fakeInstances) ListActiveByServer(_ context.Context, serverID int64) ([]*models.ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ServiceInstance
	for _, inst := range f.instances {
		if inst.ServerID == serverID && inst.Live() {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeInstances) UpdateUsage(_ context.Context, id, dataUsed, lastSession int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usageErr[id]; err != nil {
		return err
	}
	inst := f.instances[id]
	inst.DataUsed = dataUsed
	inst.LastSessionUsage = lastSession
	return nil
}

func (f *fakeInstances) TransitionStatus(_ context.Context, id int64, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || !inst.Live() {
		return false, nil
	}
	inst.Status = to
	return true, nil
}

// fakeRemote keeps one config document per server as raw JSON.
type fakeRemote struct {
	mu sync.Mutex

	configs    map[int64]string
	status     map[int64]*models.StatusSnapshot
	getErr     map[int64]error
	updateErr  map[int64]error
	restartOK  bool
	restarts   int
	updates    int
	getCalls   int
	statusSeen int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		configs:   map[int64]string{},
		status:    map[int64]*models.StatusSnapshot{},
		getErr:    map[int64]error{},
		updateErr: map[int64]error{},
		restartOK: true,
	}
}

const emptyVLESSConfig = `{"log":{"loglevel":"warning"},"inbounds":[{"tag":"vless-reality-inbound","protocol":"vless","port":8445,
	"settings":{"decryption":"none"},
	"streamSettings":{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.example.org"],"shortIds":["0a"],"publicKey":"PUB"}}}]}`

func (f *fakeRemote) GetConfig(_ context.Context, server *models.Server) (*models.ConfigDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.getErr[server.ID]; err != nil {
		return nil, err
	}
	raw, ok := f.configs[server.ID]
	if !ok {
		raw = emptyVLESSConfig
	}
	var doc models.ConfigDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *fakeRemote) UpdateConfig(_ context.Context, server *models.Server, doc *models.ConfigDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[server.ID]; err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f.configs[server.ID] = string(b)
	f.updates++
	return nil
}

func (f *fakeRemote) Restart(context.Context, *models.Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartOK
}

func (f *fakeRemote) GetStatus(_ context.Context, server *models.Server) *models.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusSeen++
	if s, ok := f.status[server.ID]; ok {
		return s
	}
	return models.UnreachableSnapshot()
}

func (f *fakeRemote) hasClient(t *testing.T, serverID int64, email string) bool {
	doc, err := f.GetConfig(context.Background(), &models.Server{ID: serverID})
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	in, err := doc.VLESSInbound()
	if err != nil {
		t.Fatalf("vless inbound: %v", err)
	}
	return in.HasClient(email)
}

type recordedEvent struct {
	subject, action, status string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) Record(_ context.Context, subject, action, status, _ string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{subject, action, status})
	return nil
}

func (f *fakeEvents) has(action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.action == action {
			return true
		}
	}
	return false
}

type sentMessage struct {
	telegramID int64
	text       string
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSink) Notify(_ context.Context, telegramID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{telegramID, text})
	return nil
}

type fakeForgetter struct{ forgotten []int64 }

func (f *fakeForgetter) Forget(id int64) { f.forgotten = append(f.forgotten, id) }

var errBoom = errors.New("boom")
