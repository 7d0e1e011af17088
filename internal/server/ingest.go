package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/oszuidwest/zwfm-sounddose/internal/audio"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// MessageConn reads WebSocket messages.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// routeMessage is the text message that moves a stream to another device.
type routeMessage struct {
	DeviceID *types.DeviceID `json:"device_id" validate:"required,gte=0"`
}

// ParseIngestParams reads and validates the query of an ingest request.
func ParseIngestParams(q url.Values) (IngestParams, error) {
	var p IngestParams
	verr := types.NewValidationError()

	intParam := func(name string, def int) int {
		s := q.Get(name)
		if s == "" {
			return def
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			verr.Add(name, "must be an integer", s)
			return def
		}
		return n
	}

	p.Stream = types.StreamHandle(intParam("stream", -1))
	p.Device = types.DeviceID(intParam("device", 0))
	p.SampleRate = intParam("rate", 48000)
	p.Channels = intParam("channels", 2)
	p.Format = q.Get("format")
	if p.Format == "" {
		p.Format = string(audio.FormatS16LE)
	}

	if len(verr.Errors) > 0 {
		return p, verr
	}
	if verr := ValidateStruct(&p); verr != nil {
		return p, verr
	}
	return p, nil
}

// RunIngest feeds PCM frames read from conn into the processor of the
// requested stream until the connection ends. The connection owns its
// processor: on return the processor is flushed and released, unless the
// stream handle already belongs to a newer processor.
func RunIngest(conn MessageConn, manager *sounddose.Manager, params IngestParams) error {
	format, err := audio.ParseFormat(params.Format)
	if err != nil {
		return err
	}

	proc, err := manager.GetOrCreateProcessor(params.Device, params.Stream, params.SampleRate, params.Channels, format)
	if err != nil {
		return err
	}
	defer func() {
		proc.Flush()
		manager.ReleaseProcessor(params.Stream, proc)
		slog.Info("ingest stream closed", "stream", params.Stream)
	}()

	slog.Info("ingest stream opened",
		"stream", params.Stream, "device_id", params.Device,
		"sample_rate", params.SampleRate, "channels", params.Channels, "format", params.Format)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			proc.Process(data)
		case websocket.TextMessage:
			var msg routeMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("ignoring malformed ingest message", "stream", params.Stream, "error", err)
				continue
			}
			if verr := ValidateStruct(&msg); verr != nil {
				slog.Warn("ignoring invalid ingest message", "stream", params.Stream, "error", verr)
				continue
			}
			next, err := manager.GetOrCreateProcessor(*msg.DeviceID, params.Stream, params.SampleRate, params.Channels, format)
			if err != nil {
				return fmt.Errorf("re-route stream %d: %w", params.Stream, err)
			}
			// The registry entry may have been replaced while this
			// connection held the old processor.
			if next != proc {
				proc.Flush()
				proc = next
			}
			slog.Info("ingest stream re-routed", "stream", params.Stream, "device_id", *msg.DeviceID)
		}
	}
}
