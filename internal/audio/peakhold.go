package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is how long a peak MEL value is held before decaying.
const DefaultPeakHoldDuration = 10 * time.Second

// PeakHolder tracks the held peak MEL value of a stream for diagnostics.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	held         float64
	heldAt       time.Time
	holdDuration time.Duration
}

// NewPeakHolder creates a new peak holder with the default hold duration.
func NewPeakHolder() *PeakHolder {
	return &PeakHolder{
		held:         MinDB,
		holdDuration: DefaultPeakHoldDuration,
	}
}

// Update records a new value and returns the held peak.
func (p *PeakHolder) Update(value float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value >= p.held || now.Sub(p.heldAt) > p.holdDuration {
		p.held = value
		p.heldAt = now
	}
	return p.held
}

// Peak returns the currently held peak.
func (p *PeakHolder) Peak() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// SetHoldDuration updates the peak hold duration.
func (p *PeakHolder) SetHoldDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdDuration = d
}
