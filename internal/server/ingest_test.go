package server

import (
	"encoding/binary"
	"errors"
	"math"
	"net/url"
	"runtime"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/oszuidwest/zwfm-sounddose/internal/audio"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// fakeConn replays scripted messages, then reports a normal close.
type fakeConn struct {
	msgs   []fakeMessage
	err    error
	reads  int
	onRead func(n int) // Called before the n-th message is returned
}

type fakeMessage struct {
	typ  int
	data []byte
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if c.onRead != nil {
		c.onRead(c.reads)
	}
	c.reads++
	if len(c.msgs) == 0 {
		if c.err != nil {
			return 0, nil, c.err
		}
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	m := c.msgs[0]
	c.msgs = c.msgs[1:]
	return m.typ, m.data, nil
}

// toneSeconds returns mono S16LE PCM of a full-scale-relative constant level.
func toneSeconds(rate, seconds int, dbfs float64) []byte {
	amp := int16(math.Pow(10, dbfs/20) * 32767)
	buf := make([]byte, 0, rate*seconds*2)
	for range rate * seconds {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(amp))
	}
	return buf
}

func TestParseIngestParams(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    IngestParams
		wantErr string
	}{
		{
			name:  "defaults",
			query: "stream=7",
			want:  IngestParams{Stream: 7, SampleRate: 48000, Channels: 2, Format: "s16le"},
		},
		{
			name:  "explicit",
			query: "stream=1&device=4&rate=44100&channels=1&format=f32le",
			want:  IngestParams{Stream: 1, Device: 4, SampleRate: 44100, Channels: 1, Format: "f32le"},
		},
		{name: "missing stream", query: "", wantErr: "stream"},
		{name: "not a number", query: "stream=x", wantErr: "stream"},
		{name: "bad format", query: "stream=1&format=u8", wantErr: "format"},
		{name: "rate too low", query: "stream=1&rate=100", wantErr: "rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			got, err := ParseIngestParams(q)
			if tt.wantErr != "" {
				var verr *types.ValidationError
				if !errors.As(err, &verr) || verr.Errors[0].Field != tt.wantErr {
					t.Errorf("error = %v, want field %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIngestParams: %v", err)
			}
			if got != tt.want {
				t.Errorf("params = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRunIngest_AggregatesAndRemoves(t *testing.T) {
	m := newTestManager(t)
	m.ForceComputeCsdOnAllDevices(true)

	conn := &fakeConn{msgs: []fakeMessage{
		{websocket.BinaryMessage, toneSeconds(8000, 2, -5)},
		{websocket.TextMessage, []byte(`{"device_id":9}`)},
		{websocket.TextMessage, []byte(`not json`)},
		{websocket.BinaryMessage, toneSeconds(8000, 1, -5)},
	}}
	params := IngestParams{Stream: 3, Device: 1, SampleRate: 8000, Channels: 1, Format: "s16le"}

	if err := RunIngest(conn, m, params); err != nil {
		t.Fatalf("RunIngest: %v", err)
	}

	if got := m.ProcessorCount(); got != 0 {
		t.Errorf("ProcessorCount after close = %d, want 0", got)
	}
	records := m.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 flushed batch", len(records))
	}
	if records[0].DeviceID != 9 || records[0].Duration != 3 {
		t.Errorf("record = %+v, want device 9 covering 3 s", records[0])
	}
	if m.GetCsd() <= 0 {
		t.Error("dose did not grow")
	}
}

func TestRunIngest_RerouteAfterHandleReplaced(t *testing.T) {
	m := newTestManager(t)
	m.ForceComputeCsdOnAllDevices(true)

	conn := &fakeConn{
		msgs: []fakeMessage{
			{websocket.BinaryMessage, toneSeconds(8000, 1, -5)},
			{websocket.TextMessage, []byte(`{"device_id":9}`)},
			{websocket.BinaryMessage, toneSeconds(8000, 2, -5)},
		},
		onRead: func(n int) {
			// Another connection on the same handle closes and drops the entry.
			if n == 1 {
				m.RemoveProcessor(3)
			}
		},
	}
	params := IngestParams{Stream: 3, Device: 1, SampleRate: 8000, Channels: 1, Format: "s16le"}

	if err := RunIngest(conn, m, params); err != nil {
		t.Fatalf("RunIngest: %v", err)
	}

	records := m.Records()
	if len(records) != 2 {
		t.Fatalf("records = %+v, want 2", records)
	}
	seconds := make(map[types.DeviceID]int32)
	for _, r := range records {
		seconds[r.DeviceID] += r.Duration
	}
	if seconds[1] != 1 || seconds[9] != 2 {
		t.Errorf("seconds by device = %v, want 1 s on device 1 and 2 s on device 9", seconds)
	}
	if got := m.ProcessorCount(); got != 0 {
		t.Errorf("ProcessorCount after close = %d, want 0", got)
	}
}

func TestRunIngest_KeepsNewerOwner(t *testing.T) {
	m := newTestManager(t)
	params := IngestParams{Stream: 4, Device: 1, SampleRate: 8000, Channels: 1, Format: "s16le"}

	var newer *audio.Processor
	conn := &fakeConn{
		msgs: []fakeMessage{{websocket.BinaryMessage, toneSeconds(8000, 1, -20)}},
		onRead: func(n int) {
			if n == 1 {
				m.RemoveProcessor(4)
				p, err := m.GetOrCreateProcessor(2, 4, 8000, 1, audio.FormatS16LE)
				if err != nil {
					t.Errorf("GetOrCreateProcessor: %v", err)
				}
				newer = p
			}
		},
	}

	if err := RunIngest(conn, m, params); err != nil {
		t.Fatalf("RunIngest: %v", err)
	}
	if got := m.ProcessorCount(); got != 1 {
		t.Errorf("ProcessorCount = %d, want newer processor kept", got)
	}
	runtime.KeepAlive(newer)
}

func TestRunIngest_Errors(t *testing.T) {
	m := newTestManager(t)

	err := RunIngest(&fakeConn{}, m, IngestParams{Stream: 1, SampleRate: 8000, Channels: 1, Format: "u8"})
	if err == nil {
		t.Error("unsupported format accepted")
	}

	broken := errors.New("connection reset")
	err = RunIngest(&fakeConn{err: broken}, m, IngestParams{Stream: 2, SampleRate: 8000, Channels: 1, Format: "s16le"})
	if !errors.Is(err, broken) {
		t.Errorf("RunIngest = %v, want read error", err)
	}
	if got := m.ProcessorCount(); got != 0 {
		t.Errorf("ProcessorCount = %d, want 0", got)
	}
}
