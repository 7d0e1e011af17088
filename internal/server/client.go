package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// SendBufferSize is the number of queued outbound messages per connection.
const SendBufferSize = 64

var (
	errClientClosed  = errors.New("client connection closed")
	errSendQueueFull = errors.New("client send queue full")
)

// Client is one command connection. It implements sounddose.Callback so the
// dose manager can push momentary exposure events to it.
type Client struct {
	id   string
	send chan any

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	handle *sounddose.SoundDose
}

// NewClient creates a client with a fresh connection id.
func NewClient() *Client {
	return &Client{
		id:   uuid.NewString(),
		send: make(chan any, SendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send returns the outbound message queue. It is never closed; writers
// stop on Done.
func (c *Client) Send() chan any { return c.send }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close marks the connection as gone. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// OnMomentaryExposure queues a momentary exposure event without blocking.
func (c *Client) OnMomentaryExposure(currentDBA float64, deviceID types.DeviceID) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	msg := types.WSMomentaryExposure{
		Type:       "momentary_exposure",
		CurrentDBA: currentDBA,
		DeviceID:   deviceID,
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

// Handle returns the dose handle of a registered client, or nil.
func (c *Client) Handle() *sounddose.SoundDose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) setHandle(h *sounddose.SoundDose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}
