package node

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// MockClient is a mock implementation of Client.
type MockClient struct {
	mu         sync.Mutex
	addr       string
	healthy    bool
	closed     bool
	migrations []*MigrateRequest
	monitored  []string
	suspended  []string
	err        error

	// bootChecks health checks fail before the client answers.
	bootChecks int
	checks     int
}

func (m *MockClient) HealthCheck(ctx context.Context) (*HealthCheckResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	if m.err != nil {
		return nil, m.err
	}
	if m.checks <= m.bootChecks {
		return nil, errors.New("connection refused")
	}
	return &HealthCheckResponse{Healthy: m.healthy}, nil
}

func (m *MockClient) MigrateVirtualMachine(ctx context.Context, req *MigrateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations = append(m.migrations, req)
	return m.err
}

func (m *MockClient) StartVirtualMachineMonitoring(ctx context.Context, vm *domain.VirtualMachine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitored = append(m.monitored, vm.ID)
	return m.err
}

func (m *MockClient) Suspend(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = append(m.suspended, nodeID)
	return m.err
}

func (m *MockClient) Addr() string { return m.addr }

func (m *MockClient) Close() error {
	m.closed = true
	return nil
}

// mockDialer hands out MockClients keyed by address.
type mockDialer struct {
	clients map[string]*MockClient
	dials   int
}

func newMockDialer() *mockDialer {
	return &mockDialer{clients: make(map[string]*MockClient)}
}

func (d *mockDialer) dial(addr string, logger *zap.Logger) (Client, error) {
	d.dials++
	c, ok := d.clients[addr]
	if !ok {
		c = &MockClient{addr: addr, healthy: true}
		d.clients[addr] = c
	}
	return c, nil
}

func newTestPool(d *mockDialer) *DaemonPool {
	pool := NewDaemonPool(zap.NewNop())
	pool.SetDialer(d.dial)
	return pool
}

// =============================================================================
// Tests
// =============================================================================

func TestDaemonPool_ConnectReusesClient(t *testing.T) {
	d := newMockDialer()
	pool := newTestPool(d)

	first, err := pool.Connect("n1", "10.0.0.1:9090")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	second, _ := pool.Connect("n1", "10.0.0.1:9090")
	if first != second || d.dials != 1 {
		t.Errorf("expected a cached client, dials = %d", d.dials)
	}

	third, _ := pool.Connect("n1", "10.0.0.9:9090")
	if third == first {
		t.Error("expected a new client after the address changed")
	}
	if !d.clients["10.0.0.1:9090"].closed {
		t.Error("stale client should be closed")
	}
	if got := len(pool.ConnectedNodes()); got != 1 {
		t.Errorf("ConnectedNodes() = %d, want 1", got)
	}
}

func TestDaemonPool_ConnectedNodes(t *testing.T) {
	pool := newTestPool(newMockDialer())
	if pool.Get("missing") != nil {
		t.Error("Get() should return nil for an unknown node")
	}

	_, _ = pool.Connect("n2", "10.0.0.2:9090")
	_, _ = pool.Connect("n1", "10.0.0.1:9090")
	got := pool.ConnectedNodes()
	if len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Errorf("ConnectedNodes() = %v, want [n1 n2]", got)
	}

	if err := pool.Disconnect("n1"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := pool.ConnectedNodes(); len(got) != 1 || got[0] != "n2" {
		t.Errorf("ConnectedNodes() after disconnect = %v, want [n2]", got)
	}
}

func TestDaemon_RoutesToSourceAndDestination(t *testing.T) {
	d := newMockDialer()
	daemon := NewDaemon(newTestPool(d))

	task := domain.MigrationTask{
		ID: "t1",
		Source: domain.VMLocation{
			VMID: "vm1", NodeID: "src",
			ControlAddress: domain.NetworkAddress{Host: "10.0.0.1", Port: 9090},
		},
		Destination: domain.VMLocation{
			VMID: "vm1", NodeID: "dst",
			ControlAddress: domain.NetworkAddress{Host: "10.0.0.2", Port: 9090},
		},
	}
	if err := daemon.MigrateVirtualMachine(context.Background(), task); err != nil {
		t.Fatalf("MigrateVirtualMachine() error = %v", err)
	}
	src := d.clients["10.0.0.1:9090"]
	if len(src.migrations) != 1 || src.migrations[0].Destination.NodeID != "dst" {
		t.Errorf("source received %+v", src.migrations)
	}

	vm := &domain.VirtualMachine{ID: "vm1", Location: task.Destination}
	if err := daemon.StartVirtualMachineMonitoring(context.Background(), task.Destination.ControlAddress, vm); err != nil {
		t.Fatalf("StartVirtualMachineMonitoring() error = %v", err)
	}
	if dst := d.clients["10.0.0.2:9090"]; len(dst.monitored) != 1 {
		t.Errorf("destination monitored %v", dst.monitored)
	}
}

func TestMagicPacket(t *testing.T) {
	packet, err := MagicPacket("01:23:45:67:89:ab")
	if err != nil {
		t.Fatalf("MagicPacket() error = %v", err)
	}
	if len(packet) != 102 {
		t.Fatalf("len = %d, want 102", len(packet))
	}
	if !bytes.Equal(packet[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("header = %x", packet[:6])
	}
	mac := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab}
	for i := 0; i < 16; i++ {
		off := 6 + i*6
		if !bytes.Equal(packet[off:off+6], mac) {
			t.Fatalf("repetition %d = %x", i, packet[off:off+6])
		}
	}

	if _, err := MagicPacket("not-a-mac"); err == nil {
		t.Error("expected an error for an invalid MAC")
	}
}

func newTestPowerController(pool *DaemonPool, timeout time.Duration) *PowerController {
	return NewPowerController(pool, PowerConfig{WakeTimeout: timeout, PollInterval: time.Millisecond}, zap.NewNop())
}

func sleepingNode(id, addr string) *domain.Node {
	return &domain.Node{
		ID:             id,
		ControlAddress: domain.NetworkAddress{Host: addr, Port: 9090},
		Power:          domain.PowerSettings{MACAddress: "01:23:45:67:89:ab"},
		Status:         domain.NodeStatusPassive,
	}
}

func TestPowerController_WakeUp(t *testing.T) {
	d := newMockDialer()
	d.clients["10.0.0.1:9090"] = &MockClient{addr: "10.0.0.1:9090", healthy: true, bootChecks: 3}
	pc := newTestPowerController(newTestPool(d), 5*time.Second)

	var gotAddr string
	var gotPacket []byte
	pc.SetSender(func(ctx context.Context, broadcast string, packet []byte) error {
		gotAddr, gotPacket = broadcast, packet
		return nil
	})

	if err := pc.WakeUp(context.Background(), sleepingNode("n1", "10.0.0.1")); err != nil {
		t.Fatalf("WakeUp() error = %v", err)
	}
	if gotAddr != defaultBroadcast || len(gotPacket) != 102 {
		t.Errorf("sent %d bytes to %s", len(gotPacket), gotAddr)
	}
	if got := d.clients["10.0.0.1:9090"].checks; got != 4 {
		t.Errorf("health checks = %d, want 4", got)
	}

	err := pc.WakeUp(context.Background(), &domain.Node{ID: "n2"})
	if !errors.Is(err, ErrNoPowerSettings) {
		t.Errorf("WakeUp() error = %v, want ErrNoPowerSettings", err)
	}
}

func TestPowerController_WakeUpTimesOut(t *testing.T) {
	tests := []struct {
		name   string
		client *MockClient
	}{
		{name: "never answers", client: &MockClient{addr: "10.0.0.1:9090", err: errors.New("connection refused")}},
		{name: "answers unhealthy", client: &MockClient{addr: "10.0.0.1:9090", healthy: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newMockDialer()
			d.clients["10.0.0.1:9090"] = tt.client
			pc := newTestPowerController(newTestPool(d), 30*time.Millisecond)
			pc.SetSender(func(ctx context.Context, broadcast string, packet []byte) error { return nil })

			err := pc.WakeUp(context.Background(), sleepingNode("n1", "10.0.0.1"))
			if !errors.Is(err, domain.ErrUnavailable) {
				t.Errorf("WakeUp() error = %v, want ErrUnavailable", err)
			}
			if tt.client.checks < 2 {
				t.Errorf("health checks = %d, want repeated polling", tt.client.checks)
			}
		})
	}
}

func TestPowerController_WakeUpWithoutControlAddress(t *testing.T) {
	pc := newTestPowerController(newTestPool(newMockDialer()), time.Second)
	sent := false
	pc.SetSender(func(ctx context.Context, broadcast string, packet []byte) error {
		sent = true
		return nil
	})

	node := sleepingNode("n1", "")
	if err := pc.WakeUp(context.Background(), node); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("WakeUp() error = %v, want ErrUnavailable", err)
	}
	if sent {
		t.Error("no packet may be sent for a node that cannot be checked")
	}
}

func TestPowerController_Suspend(t *testing.T) {
	d := newMockDialer()
	pool := newTestPool(d)
	pc := newTestPowerController(pool, time.Second)

	node := &domain.Node{ID: "n1", ControlAddress: domain.NetworkAddress{Host: "10.0.0.1", Port: 9090}}
	if err := pc.Suspend(context.Background(), node); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	client := d.clients["10.0.0.1:9090"]
	if len(client.suspended) != 1 || !client.closed {
		t.Errorf("suspended = %v, closed = %v", client.suspended, client.closed)
	}
	if pool.Get("n1") != nil {
		t.Error("suspended node should be removed from the pool")
	}
}

func TestWatcher_DropsUnhealthy(t *testing.T) {
	d := newMockDialer()
	pool := newTestPool(d)
	_, _ = pool.Connect("good", "10.0.0.1:9090")
	_, _ = pool.Connect("bad", "10.0.0.2:9090")
	d.clients["10.0.0.2:9090"].err = errors.New("unavailable")

	dropped := NewWatcher(pool, 0, zap.NewNop()).Check(context.Background())
	if len(dropped) != 1 || dropped[0] != "bad" {
		t.Errorf("dropped = %v, want [bad]", dropped)
	}
	if pool.Get("good") == nil || pool.Get("bad") != nil {
		t.Error("only the unhealthy connection should be dropped")
	}
}
