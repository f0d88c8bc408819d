// Package protocol defines the JSON-lines status stream a run emits.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avh-dev/avhclient/internal/domain"
)

type MessageType string

const (
	MsgBackendPrepared     MessageType = "backend_prepared"
	MsgWorkspaceUploaded   MessageType = "workspace_uploaded"
	MsgStepStarted         MessageType = "step_started"
	MsgCommandCompleted    MessageType = "command_completed"
	MsgStepCompleted       MessageType = "step_completed"
	MsgWorkspaceDownloaded MessageType = "workspace_downloaded"
	MsgRunCompleted        MessageType = "run_completed"
	MsgError               MessageType = "error"
)

type StatusMessage struct {
	Type      MessageType `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Backend   string      `json:"backend,omitempty"`
	State     string      `json:"state,omitempty"`
	StepName  string      `json:"step_name,omitempty"`
	CommandID string      `json:"command_id,omitempty"`
	Command   string      `json:"command,omitempty"`
	Status    string      `json:"status,omitempty"`
	ExitCode  int         `json:"exit_code,omitempty"`
	Files     []string    `json:"files,omitempty"`
	Result    string      `json:"result,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusWriter encodes one message per line. A nil *StatusWriter discards
// everything.
type StatusWriter struct {
	mu    sync.Mutex
	runID string
	enc   *json.Encoder
}

func NewStatusWriter(w io.Writer, runID string) *StatusWriter {
	return &StatusWriter{runID: runID, enc: json.NewEncoder(w)}
}

func (s *StatusWriter) BackendPrepared(backend string, state domain.BackendState) {
	s.write(StatusMessage{Type: MsgBackendPrepared, Backend: backend, State: string(state)})
}

func (s *StatusWriter) WorkspaceUploaded(files []string) {
	s.write(StatusMessage{Type: MsgWorkspaceUploaded, Files: files})
}

func (s *StatusWriter) StepStarted(stepName string) {
	s.write(StatusMessage{Type: MsgStepStarted, StepName: stepName})
}

func (s *StatusWriter) CommandCompleted(stepName string, r domain.CommandResult) {
	s.write(StatusMessage{
		Type:      MsgCommandCompleted,
		StepName:  stepName,
		CommandID: r.CommandID,
		Command:   r.Command,
		Status:    r.Status,
		ExitCode:  r.ExitCode,
	})
}

func (s *StatusWriter) StepCompleted(stepName, result string) {
	s.write(StatusMessage{Type: MsgStepCompleted, StepName: stepName, Result: result})
}

func (s *StatusWriter) WorkspaceDownloaded(files []string) {
	s.write(StatusMessage{Type: MsgWorkspaceDownloaded, Files: files})
}

func (s *StatusWriter) RunCompleted(result string) {
	s.write(StatusMessage{Type: MsgRunCompleted, Result: result})
}

func (s *StatusWriter) Error(stepName, message string) {
	s.write(StatusMessage{Type: MsgError, StepName: stepName, Message: message})
}

func (s *StatusWriter) write(msg StatusMessage) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.RunID = s.runID
	msg.Timestamp = time.Now()
	_ = s.enc.Encode(msg)
}

func ParseStatusStream(data []byte) ([]StatusMessage, error) {
	var msgs []StatusMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var msg StatusMessage
		if err := dec.Decode(&msg); err != nil {
			return msgs, fmt.Errorf("failed to decode status message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
