// Package events provides event types and publishing infrastructure for forge.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventPhaseEntered indicates the workflow moved into a new phase.
	EventPhaseEntered EventType = "phase_entered"
	// EventIterationStarted indicates a new iteration began after a FAIL verdict.
	EventIterationStarted EventType = "iteration_started"
	// EventArtifactCreated indicates a file was written and tracked.
	EventArtifactCreated EventType = "artifact_created"
	// EventArtifactApproved indicates an artifact's stage was approved and hashed.
	EventArtifactApproved EventType = "artifact_approved"
	// EventArtifactChanged indicates a previously hashed artifact changed on
	// re-approval. Audit only; never blocks progression.
	EventArtifactChanged EventType = "artifact_changed"
	// EventApprovalRequired indicates the workflow paused on a PENDING gate.
	EventApprovalRequired EventType = "approval_required"
	// EventApprovalGranted indicates a gate approved.
	EventApprovalGranted EventType = "approval_granted"
	// EventApprovalRejected indicates a gate rejected.
	EventApprovalRejected EventType = "approval_rejected"
	// EventWorkflowCompleted indicates the session reached COMPLETE.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowFailed indicates the session reached ERROR.
	EventWorkflowFailed EventType = "workflow_failed"
	// EventWorkflowCancelled indicates the session was cancelled.
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event represents a published event.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Phase     string    `json:"phase,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// ArtifactData carries artifact details on artifact events.
type ArtifactData struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
}

// ApprovalData carries gate outcome details on approval events.
type ApprovalData struct {
	Provider string `json:"provider"`
	Feedback string `json:"feedback,omitempty"`
}
