// Package store persists chat sessions to disk. Each session lives in
// its own directory under the sessions root, holding a record.json with
// session metadata and a messages.jsonl with one transcript message per
// line. Writes go through temp-file-and-rename so a crash never leaves
// a half-written session behind.
package store

import (
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/transcript"
)

// Record is the durable form of a chat session. Metadata fields are
// stored in record.json; Messages are stored separately as JSONL and
// populated by Load but not by List.
type Record struct {
	// ID is the session identifier. It doubles as the directory name,
	// so it must be non-empty and filesystem-safe.
	ID string `json:"id"`

	// ProjectID identifies the workspace this session belongs to.
	ProjectID string `json:"project_id"`

	// Title is a short human-readable label, usually derived from the
	// first user message.
	Title string `json:"title,omitempty"`

	// Engine is the backend kind that produced this session.
	Engine engine.Kind `json:"engine"`

	// Model is the model identifier reported by the engine, if any.
	Model string `json:"model,omitempty"`

	// WorkingDir is the directory the engine process ran in.
	WorkingDir string `json:"working_dir,omitempty"`

	// ResumeID is the engine-side session or thread identifier used to
	// resume the conversation after a disconnect or restart. Empty for
	// sessions that were never materialized.
	ResumeID string `json:"resume_id,omitempty"`

	// CostUSD is the accumulated cost reported by the engine.
	CostUSD float64 `json:"cost_usd,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages is the reconciled transcript. Not serialized into
	// record.json; persisted as messages.jsonl alongside it.
	Messages []*transcript.Message `json:"-"`
}

// NewRecord creates a session record with the creation timestamp set.
func NewRecord(id, projectID string, kind engine.Kind) *Record {
	now := time.Now()
	return &Record{
		ID:        id,
		ProjectID: projectID,
		Engine:    kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Empty reports whether the record has no messages. Empty sessions are
// not worth persisting; the manager skips auto-save for them.
func (r *Record) Empty() bool {
	return len(r.Messages) == 0
}
