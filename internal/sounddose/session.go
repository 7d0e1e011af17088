package sounddose

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// Callback is the push channel of a registered client.
type Callback interface {
	// OnMomentaryExposure notifies the client. Delivery is best effort.
	OnMomentaryExposure(currentDBA float64, deviceID types.DeviceID) error
	// Done is closed when the client is gone.
	Done() <-chan struct{}
}

// session is one registered client.
type session struct {
	id       uint64
	cb       Callback
	stop     chan struct{}
	stopOnce sync.Once
}

// deliver pushes a momentary exposure unless the client is already gone.
func (s *session) deliver(currentDBA float64, deviceID types.DeviceID) (err error) {
	select {
	case <-s.cb.Done():
		return errClientGone
	default:
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return s.cb.OnMomentaryExposure(currentDBA, deviceID)
}

func (s *session) stopWatch() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RegisterClient makes cb the only client receiving momentary exposure
// events, replacing any previous one. The session ends when cb.Done() is
// closed or another client registers.
func (m *Manager) RegisterClient(cb Callback) (*SoundDose, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidArgument)
	}

	m.mu.Lock()
	m.lastSessionID++
	s := &session{id: m.lastSessionID, cb: cb, stop: make(chan struct{})}
	old := m.session
	m.session = s
	m.mu.Unlock()

	if old != nil {
		old.stopWatch()
		slog.Info("replaced client session", "old_session_id", old.id, "session_id", s.id)
	} else {
		slog.Info("client registered", "session_id", s.id)
	}

	go m.watch(s)
	m.metrics.ClientSessions.Add(context.Background(), 1)

	return &SoundDose{manager: m, sessionID: s.id}, nil
}

// watch waits for the client of s to go away.
func (m *Manager) watch(s *session) {
	select {
	case <-s.cb.Done():
		m.clientDied(s.id)
	case <-s.stop:
	}
}

// clientDied clears the session slot if it still belongs to id.
func (m *Manager) clientDied(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.id != id {
		slog.Debug("ignoring death of replaced client", "session_id", id)
		return
	}
	m.session = nil
	slog.Info("client session ended", "session_id", id)
}

// ActiveSessionID returns the id of the registered client, or 0.
func (m *Manager) ActiveSessionID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0
	}
	return m.session.id
}

// SoundDose is the RPC handle returned to a registered client. Handles stay
// usable after their session was replaced; they operate on shared state.
type SoundDose struct {
	manager   *Manager
	sessionID uint64
}

// SessionID returns the id of the session the handle was issued for.
func (h *SoundDose) SessionID() uint64 { return h.sessionID }

// SetOutputRs2 sets the momentary exposure threshold.
func (h *SoundDose) SetOutputRs2(rs2 float64) error { return h.manager.SetOutputRs2(rs2) }

// GetOutputRs2 returns the momentary exposure threshold.
func (h *SoundDose) GetOutputRs2() float64 { return h.manager.GetOutputRs2() }

// GetCsd returns the current cumulative sound dose.
func (h *SoundDose) GetCsd() float64 { return h.manager.GetCsd() }

// ResetCsd replaces the dose state with an externally known one.
func (h *SoundDose) ResetCsd(csd float64, records []types.SoundDoseRecord) error {
	return h.manager.ResetCsd(csd, records)
}

// ForceUseFrameworkMel toggles local MEL aggregation.
func (h *SoundDose) ForceUseFrameworkMel(enabled bool) { h.manager.ForceUseFrameworkMel(enabled) }

// ForceComputeCsdOnAllDevices toggles counting every device towards the dose.
func (h *SoundDose) ForceComputeCsdOnAllDevices(enabled bool) {
	h.manager.ForceComputeCsdOnAllDevices(enabled)
}
