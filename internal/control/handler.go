// Package control decodes commands arriving on the control topic and applies
// them through callbacks supplied by the orchestrator. The message handler
// runs on the transport client's own goroutine, so it only performs the state
// transition itself (bounded by the device call) and a short acknowledgement
// publish; it never waits on the producer or consumer.
package control

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/e7canasta/sdrbridge/internal/config"
)

// Kind identifies a decoded control command.
type Kind int

const (
	KindUnknown Kind = iota
	KindPause
	KindResume
	KindStatus
)

// Command is a decoded control message. Raw holds the original payload for
// unknown commands.
type Command struct {
	Kind Kind
	Raw  string
}

// Parse decodes a control payload. Matching is case-insensitive and ignores
// surrounding whitespace; anything else is KindUnknown.
func Parse(payload []byte) Command {
	raw := strings.TrimSpace(string(payload))
	switch strings.ToUpper(raw) {
	case "PAUSE":
		return Command{Kind: KindPause}
	case "RESUME":
		return Command{Kind: KindResume}
	case "STATUS":
		return Command{Kind: KindStatus}
	default:
		return Command{Kind: KindUnknown, Raw: raw}
	}
}

func (k Kind) String() string {
	switch k {
	case KindPause:
		return "PAUSE"
	case KindResume:
		return "RESUME"
	case KindStatus:
		return "STATUS"
	default:
		return "UNKNOWN"
	}
}

// Response is the acknowledgement published to the status topic after each
// command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks are the orchestrator hooks a handler invokes.
type Callbacks struct {
	OnPause  func() error
	OnResume func() error
	OnStatus func() map[string]any
}

// Transport is the slice of the MQTT session the handler needs.
type Transport interface {
	Handle(topic string, qos byte, fn func(payload []byte))
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte) error
}

// Handler wires the control topic to the orchestrator.
type Handler struct {
	cfg       *config.Config
	transport Transport
	callbacks Callbacks
}

// NewHandler creates a control handler.
func NewHandler(cfg *config.Config, transport Transport, callbacks Callbacks) *Handler {
	return &Handler{cfg: cfg, transport: transport, callbacks: callbacks}
}

// Start registers the control-topic route. Called before the transport
// connects; the subscription itself is established on connect.
func (h *Handler) Start() {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]
	h.transport.Handle(topic, qos, h.onMessage)
	slog.Info("control plane enabled", "topic", topic, "qos", qos)
}

// Stop removes the control-topic subscription.
func (h *Handler) Stop() error {
	if err := h.transport.Unsubscribe(h.cfg.MQTT.Topics.Control); err != nil {
		return err
	}
	slog.Info("control plane stopped")
	return nil
}

// onMessage runs on the transport's network goroutine.
func (h *Handler) onMessage(payload []byte) {
	cmd := Parse(payload)
	slog.Info("control command received", "command", cmd.Kind.String())

	resp := Response{CommandAck: cmd.Kind.String(), Status: "success"}

	switch cmd.Kind {
	case KindPause:
		if err := h.callbacks.OnPause(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			slog.Error("pause command failed", "error", err)
		}

	case KindResume:
		if err := h.callbacks.OnResume(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			slog.Error("resume command failed", "error", err)
		}

	case KindStatus:
		resp.Data = h.callbacks.OnStatus()

	default:
		resp.Status = "error"
		resp.Error = "unknown command: " + cmd.Raw
		slog.Warn("unknown control command", "payload", cmd.Raw)
	}

	h.sendResponse(resp)
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal command response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Status
	qos := h.cfg.MQTT.QoS["status"]
	if err := h.transport.Publish(topic, payload, qos); err != nil {
		// Expected while disconnected; the command itself was still applied.
		slog.Debug("command response not published", "error", err)
		return
	}
	slog.Debug("command response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
