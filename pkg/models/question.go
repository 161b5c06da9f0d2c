package models

import (
	"time"

	"github.com/google/uuid"
)

// ValueSource tells where a filled form value came from.
type ValueSource string

// Value sources for audited form fields.
const (
	SourceProfile  ValueSource = "profile"
	SourceLLM      ValueSource = "llm"
	SourceDefault  ValueSource = "default"
	SourceTemplate ValueSource = "template"
	SourceManual   ValueSource = "manual"
)

// FieldDescriptor identifies one form field as seen by the executor.
type FieldDescriptor struct {
	Type     string `json:"type"`
	Label    string `json:"label"`
	RawLabel string `json:"raw_label,omitempty"`
	Required bool   `json:"required"`
}

// Question is one field interaction captured for audit. StepIndex is
// assigned by the repository and is strictly increasing per application.
type Question struct {
	ID              uuid.UUID       `json:"id"`
	ApplicationID   uuid.UUID       `json:"application_id"`
	StepIndex       int             `json:"step_index"`
	Field           FieldDescriptor `json:"field"`
	Value           string          `json:"value"`
	Source          ValueSource     `json:"source"`
	Confidence      float64         `json:"confidence"`
	ValidationError string          `json:"validation_error,omitempty"`
	Correction      string          `json:"correction,omitempty"`
	CorrectedBy     string          `json:"corrected_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ModelUsage attributes one LLM or embedding call to an application, or
// to the session alone for unattributed calls such as profile embeddings.
type ModelUsage struct {
	ID            uuid.UUID  `json:"id"`
	SessionID     uuid.UUID  `json:"session_id"`
	ApplicationID *uuid.UUID `json:"application_id,omitempty"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Purpose       string     `json:"purpose"`
	TokensIn      int64      `json:"tokens_in"`
	TokensOut     int64      `json:"tokens_out"`
	Cost          float64    `json:"cost"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       time.Time  `json:"ended_at"`
}
