package sounddose

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// fakeClient is a Callback recording delivered events.
type fakeClient struct {
	mu        sync.Mutex
	received  []float64
	done      chan struct{}
	closeOnce sync.Once
	err       error
	panics    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{done: make(chan struct{})}
}

func (c *fakeClient) OnMomentaryExposure(currentDBA float64, _ types.DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("client crashed")
	}
	if c.err != nil {
		return c.err
	}
	c.received = append(c.received, currentDBA)
	return nil
}

func (c *fakeClient) Done() <-chan struct{} { return c.done }

func (c *fakeClient) kill() { c.closeOnce.Do(func() { close(c.done) }) }

func (c *fakeClient) events() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.received...)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterClient_NilCallback(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if _, err := m.RegisterClient(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("RegisterClient(nil) = %v, want ErrInvalidArgument", err)
	}
}

func TestRegisterClient_SingleSubscriber(t *testing.T) {
	m, reader := newTestManager(t, Config{})
	a, b := newFakeClient(), newFakeClient()

	ha, err := m.RegisterClient(a)
	if err != nil {
		t.Fatalf("RegisterClient(a): %v", err)
	}
	hb, err := m.RegisterClient(b)
	if err != nil {
		t.Fatalf("RegisterClient(b): %v", err)
	}
	if hb.SessionID() <= ha.SessionID() {
		t.Errorf("session ids not increasing: %d, %d", ha.SessionID(), hb.SessionID())
	}

	m.OnMomentaryExposure(97, 1)

	if got := len(a.events()); got != 0 {
		t.Errorf("replaced client received %d events", got)
	}
	if got := b.events(); len(got) != 1 || got[0] != 97 {
		t.Errorf("active client received %v, want [97]", got)
	}

	// The replaced client's death must not end the new session.
	a.kill()
	m.clientDied(ha.SessionID())
	if got := m.ActiveSessionID(); got != hb.SessionID() {
		t.Errorf("ActiveSessionID = %d, want %d", got, hb.SessionID())
	}
	if got := sumValue(t, reader, "sounddose.client_sessions"); got != 2 {
		t.Errorf("client_sessions = %d, want 2", got)
	}
}

func TestClientDeath(t *testing.T) {
	m, reader := newTestManager(t, Config{})
	c := newFakeClient()
	h, err := m.RegisterClient(c)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	c.kill()
	waitFor(t, func() bool { return m.ActiveSessionID() == 0 })

	m.OnMomentaryExposure(99, 1)
	if got := len(c.events()); got != 0 {
		t.Errorf("dead client received %d events", got)
	}
	if got := sumValue(t, reader, "sounddose.momentary_exposures"); got != 1 {
		t.Errorf("momentary_exposures = %d, want 1 (dropped)", got)
	}

	// Handles keep operating on shared state.
	if err := h.SetOutputRs2(85); err != nil {
		t.Fatalf("SetOutputRs2 via stale handle: %v", err)
	}
	if got := m.GetOutputRs2(); got != 85 {
		t.Errorf("GetOutputRs2 = %v, want 85", got)
	}
}

func TestDeliver_DeadBeforeWatcherRuns(t *testing.T) {
	c := newFakeClient()
	c.kill()
	s := &session{id: 1, cb: c, stop: make(chan struct{})}

	if err := s.deliver(95, 1); !errors.Is(err, errClientGone) {
		t.Errorf("deliver = %v, want errClientGone", err)
	}
}

func TestOnMomentaryExposure_FailuresAreSwallowed(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{"delivery error", &fakeClient{done: make(chan struct{}), err: errors.New("broken pipe")}},
		{"callback panic", &fakeClient{done: make(chan struct{}), panics: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reader := newTestManager(t, Config{})
			if _, err := m.RegisterClient(tt.client); err != nil {
				t.Fatalf("RegisterClient: %v", err)
			}

			m.OnMomentaryExposure(95, 1)

			if got := sumValue(t, reader, "sounddose.momentary_exposures"); got != 1 {
				t.Errorf("momentary_exposures = %d, want 1", got)
			}
			if got := m.ActiveSessionID(); got == 0 {
				t.Error("session cleared by delivery failure")
			}
		})
	}
}

func TestNoClient_DropsEvent(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	m.OnMomentaryExposure(100, 2)
	if got := m.ActiveSessionID(); got != 0 {
		t.Errorf("ActiveSessionID = %d, want 0", got)
	}
}

func TestSoundDoseHandle(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	h, err := m.RegisterClient(newFakeClient())
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	if err := h.SetOutputRs2(79.9); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetOutputRs2(79.9) = %v, want ErrInvalidArgument", err)
	}
	if got := h.GetOutputRs2(); got != DefaultRs2 {
		t.Errorf("GetOutputRs2 = %v, want %v", got, DefaultRs2)
	}

	if err := h.ResetCsd(12, nil); err != nil {
		t.Fatalf("ResetCsd: %v", err)
	}
	if got := h.GetCsd(); got != 12 {
		t.Errorf("GetCsd = %v, want 12", got)
	}

	h.ForceUseFrameworkMel(false)
	h.ForceComputeCsdOnAllDevices(true)
	if m.UseFrameworkMel() || !m.ComputeCsdOnAllDevices() {
		t.Error("overrides not applied through handle")
	}
}

func TestClose_StopsWatcher(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	c := newFakeClient()
	if _, err := m.RegisterClient(c); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	m.Close()
	if got := m.ActiveSessionID(); got != 0 {
		t.Errorf("ActiveSessionID after Close = %d, want 0", got)
	}
	c.kill()
	m.Close()
}
