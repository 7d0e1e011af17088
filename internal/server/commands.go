package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-sounddose/internal/config"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// ErrNotRegistered is returned for dose commands sent before sounddose/register.
var ErrNotRegistered = errors.New("not registered")

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	manager *sounddose.Manager
	cfg     *config.Config
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(manager *sounddose.Manager, cfg *config.Config) *CommandHandler {
	return &CommandHandler{
		manager: manager,
		cfg:     cfg,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "sounddose/get-csd").
func (h *CommandHandler) Handle(cmd WSCommand, client *Client) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "sounddose":
		h.handleSoundDose(action, cmd, client)
	case "status":
		h.handleStatus(action, cmd, client)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type, "connection_id", client.ID())
		SendError(client.Send(), cmd, errors.New("unknown command"))
	}
}

// --- Namespace handlers ---

// handleSoundDose routes sounddose/* commands.
func (h *CommandHandler) handleSoundDose(action string, cmd WSCommand, client *Client) {
	send := client.Send()

	if action == "register" {
		h.handleRegister(cmd, client)
		return
	}

	dose := client.Handle()
	if dose == nil {
		SendError(send, cmd, ErrNotRegistered)
		return
	}

	switch action {
	case "set-rs2":
		HandleCommand(cmd, send, func(req *SetRs2Request) (any, error) {
			if err := dose.SetOutputRs2(*req.Rs2); err != nil {
				return nil, err
			}
			if err := h.cfg.SetDefaultRs2(*req.Rs2); err != nil {
				slog.Warn("failed to persist RS2", "error", err)
			}
			return nil, nil
		})
	case "get-rs2":
		SendSuccess(send, cmd, map[string]float64{"rs2": dose.GetOutputRs2()})
	case "get-csd":
		SendSuccess(send, cmd, map[string]float64{"csd": dose.GetCsd()})
	case "reset-csd":
		HandleCommand(cmd, send, func(req *ResetCsdRequest) (any, error) {
			return nil, dose.ResetCsd(*req.Csd, req.Records)
		})
	case "force-framework-mel":
		HandleCommand(cmd, send, func(req *ToggleRequest) (any, error) {
			dose.ForceUseFrameworkMel(*req.Enabled)
			return nil, nil
		})
	case "force-all-devices":
		HandleCommand(cmd, send, func(req *ToggleRequest) (any, error) {
			dose.ForceComputeCsdOnAllDevices(*req.Enabled)
			if err := h.cfg.SetComputeCsdOnAllDevices(*req.Enabled); err != nil {
				slog.Warn("failed to persist device counting mode", "error", err)
			}
			return nil, nil
		})
	default:
		slog.Warn("unknown sounddose action", "action", action)
		SendError(send, cmd, errors.New("unknown command"))
	}
}

// handleRegister makes client the receiver of momentary exposure events.
func (h *CommandHandler) handleRegister(cmd WSCommand, client *Client) {
	HandleCommand(cmd, client.Send(), func(req *RegisterRequest) (any, error) {
		if err := CheckProtocol(req.ProtocolVersion); err != nil {
			return nil, err
		}
		dose, err := h.manager.RegisterClient(client)
		if err != nil {
			return nil, err
		}
		client.setHandle(dose)
		slog.Info("client registered for sound dose", "connection_id", client.ID(), "session_id", dose.SessionID())
		return types.RegisterResult{
			SessionID:       dose.SessionID(),
			ConnectionID:    client.ID(),
			ProtocolVersion: ProtocolVersion,
		}, nil
	})
}

// handleStatus routes status/* commands.
func (h *CommandHandler) handleStatus(action string, cmd WSCommand, client *Client) {
	switch action {
	case "get":
		SendSuccess(client.Send(), cmd, h.manager.Status())
	default:
		slog.Warn("unknown status action", "action", action)
		SendError(client.Send(), cmd, errors.New("unknown command"))
	}
}
