// Package protocol defines the wire protocol exchanged between OSR
// instances, the relay server, and dashboard clients over WebSocket.
//
// All messages are JSON-encoded discriminated frames with a "type" field
// that determines the shape of "data".
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the top-level wire format in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame type constants.
const (
	// Instance → server (relayed on to dashboards).
	TypeState      = "state"
	TypeLog        = "log"
	TypeLogHistory = "log_history"
	TypeCommandAck = "command_ack"
	TypeError      = "error"

	// Dashboard → server.
	TypeCommand = "command"
)

// InstanceStatus is the lifecycle status of an OSR instance.
type InstanceStatus string

const (
	StatusOnline  InstanceStatus = "online"
	StatusOffline InstanceStatus = "offline"
	StatusPaused  InstanceStatus = "paused" // streamer is live, rotation held
)

// Valid reports whether s is one of the known statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusPaused:
		return true
	}
	return false
}

// RotationStatus tracks a prepared rotation item through its pipeline.
type RotationStatus string

const (
	RotationCreated     RotationStatus = "created"
	RotationDownloading RotationStatus = "downloading"
	RotationReady       RotationStatus = "ready"
	RotationScheduled   RotationStatus = "scheduled"
	RotationExecuting   RotationStatus = "executing"
	RotationCompleted   RotationStatus = "completed"
)

// PlaylistConfig is one configured playlist on the instance.
type PlaylistConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Category string `json:"category,omitempty"`
	Weight   int    `json:"weight,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// PreparedRotation is a pre-staged rotation entry on the instance.
type PreparedRotation struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Playlist    string         `json:"playlist,omitempty"`
	ScheduledAt string         `json:"scheduled_at,omitempty"`
	Status      RotationStatus `json:"status"`
}

// EnvValue is one environment-config entry. Secret values are masked by
// the instance before they ever reach the wire.
type EnvValue struct {
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

// StateSnapshot is the full state object pushed by an instance. It replaces
// any previously cached snapshot wholesale; the dashboard UI depends on
// these field names verbatim.
type StateSnapshot struct {
	Status             InstanceStatus      `json:"status"`
	ManualPause        bool                `json:"manual_pause"`
	CurrentVideo       string              `json:"current_video,omitempty"`
	CurrentPlaylist    string              `json:"current_playlist,omitempty"`
	CurrentCategory    string              `json:"current_category,omitempty"`
	OBSConnected       bool                `json:"obs_connected"`
	UptimeSeconds      int64               `json:"uptime_seconds"`
	Playlists          []PlaylistConfig    `json:"playlists,omitempty"`
	Settings           map[string]any      `json:"settings,omitempty"`
	Queue              []string            `json:"queue,omitempty"`
	Services           map[string]bool     `json:"services,omitempty"`
	DownloadInProgress bool                `json:"download_in_progress"`
	CanSkip            bool                `json:"can_skip"`
	CanTriggerRotation bool                `json:"can_trigger_rotation"`
	PreparedRotations  []PreparedRotation  `json:"prepared_rotations,omitempty"`
	Env                map[string]EnvValue `json:"env,omitempty"`
}

// LogEntry is a single log line from an instance.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Time    string `json:"time,omitempty"`
}

// Command is a dashboard-issued action forwarded to the instance. RequestID
// is assigned by the server before forwarding; instances that echo it in
// their acknowledgement get precise ack routing.
type Command struct {
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// CommandAck reports whether a command reached the instance. Action and
// RequestID are carried when known so the UI can match its last action.
type CommandAck struct {
	Delivered bool   `json:"delivered"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorData is an application-level error delivered to one session.
type ErrorData struct {
	Message string `json:"message"`
}

// WebSocket close codes. The 4000–4099 range is reserved for terminal
// rejections: a well-behaved client must not reconnect after receiving one.
const (
	CloseInvalidCredential = 4001 // bad API key or expired/invalid token
	CloseForbidden         = 4003 // not a member of the owning team, or kicked
	CloseNotFound          = 4004 // instance does not exist (or was deleted)

	terminalCloseMin = 4000
	terminalCloseMax = 4099
)

// TerminalClose reports whether a close code signals a non-retryable
// rejection. All other codes are treated as transient and eligible for
// reconnection with backoff.
func TerminalClose(code int) bool {
	return code >= terminalCloseMin && code <= terminalCloseMax
}

// NewFrame marshals data into a Frame.
func NewFrame(frameType string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Data: raw}, nil
}

// DecodeState parses a state frame payload.
func DecodeState(f Frame) (*StateSnapshot, error) {
	if f.Type != TypeState {
		return nil, fmt.Errorf("expected %s frame, got %q", TypeState, f.Type)
	}
	var snap StateSnapshot
	if err := json.Unmarshal(f.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if !snap.Status.Valid() {
		return nil, fmt.Errorf("decode state: unknown status %q", snap.Status)
	}
	return &snap, nil
}

// DecodeLog parses a log frame payload.
func DecodeLog(f Frame) (*LogEntry, error) {
	var entry LogEntry
	if err := json.Unmarshal(f.Data, &entry); err != nil {
		return nil, fmt.Errorf("decode log: %w", err)
	}
	return &entry, nil
}

// DecodeLogHistory parses a log_history batch, oldest-first.
func DecodeLogHistory(f Frame) ([]LogEntry, error) {
	var entries []LogEntry
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("decode log_history: %w", err)
	}
	return entries, nil
}

// DecodeCommand parses a command frame payload.
func DecodeCommand(f Frame) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(f.Data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Action == "" {
		return nil, fmt.Errorf("decode command: missing action")
	}
	return &cmd, nil
}

// DecodeCommandAck parses a command_ack frame payload.
func DecodeCommandAck(f Frame) (*CommandAck, error) {
	var ack CommandAck
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode command_ack: %w", err)
	}
	return &ack, nil
}

// DecodeError parses an error frame payload.
func DecodeError(f Frame) (*ErrorData, error) {
	var e ErrorData
	if err := json.Unmarshal(f.Data, &e); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &e, nil
}
