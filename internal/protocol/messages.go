// Package protocol defines the WebSocket messages exchanged between warp
// and its clients. All messages are JSON-encoded and wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → server
	MsgExecute    MessageType = "execute"
	MsgAgentStart MessageType = "agent.start"
	MsgPing       MessageType = "ping"

	// Server → client
	MsgConnected      MessageType = "connected"
	MsgOutput         MessageType = "output"
	MsgResult         MessageType = "result"
	MsgServerDetected MessageType = "server_detected"
	MsgPong           MessageType = "pong"

	// Agent progress, named after the agent event types.
	MsgAgentTaskStarted   MessageType = "agent_task_started"
	MsgAgentStepCompleted MessageType = "agent_step_completed"
	MsgAgentTaskCompleted MessageType = "agent_task_completed"
	MsgAgentTaskError     MessageType = "agent_task_error"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper. Replies to a client request
// carry the request's ID in RequestID.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → server payloads ---

// ExecutePayload is sent with MsgExecute.
type ExecutePayload struct {
	Command    string `json:"command"`
	Repository string `json:"repository,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	ForceHeavy bool   `json:"forceHeavy,omitempty"`
}

// AgentStartPayload is sent with MsgAgentStart.
type AgentStartPayload struct {
	Task          string `json:"task"`
	Repository    string `json:"repository,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// --- Server → client payloads ---

// ConnectedPayload is sent with MsgConnected once the socket is bound to a
// session.
type ConnectedPayload struct {
	SessionID    string `json:"sessionId"`
	CurrentDir   string `json:"currentDir"`
	HeavyEnabled bool   `json:"heavyEnabled"`
}

// OutputPayload is sent with MsgOutput for each chunk of command output.
type OutputPayload struct {
	Content string `json:"content"`
}

// ErrorPayload is sent with MsgError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
