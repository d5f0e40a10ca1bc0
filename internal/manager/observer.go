package manager

import (
	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/transcript"
)

// Renderer receives UI updates from the manager. All methods are
// invoked on the manager's run loop: implementations must return
// quickly and must not call back into the manager from the same
// goroutine.
type Renderer interface {
	// TranscriptChanged delivers the foreground transcript after a
	// change. The slices are owned by the manager and only valid for
	// the duration of the call.
	TranscriptChanged(sessionID string, messages []*transcript.Message, plan []engine.PlanStep)

	// SessionsChanged delivers the sidebar listing, newest first.
	SessionsChanged(sessions []SessionInfo)

	// ProcessingChanged reports the foreground processing flag.
	ProcessingChanged(sessionID string, processing bool)

	// PermissionRequested surfaces a pending permission request for the
	// foreground session. Answer it through Manager.RespondPermission,
	// never by calling the request's responder directly.
	PermissionRequested(sessionID string, req *engine.PermissionRequest)
}

// NopRenderer discards all updates.
type NopRenderer struct{}

func (NopRenderer) TranscriptChanged(string, []*transcript.Message, []engine.PlanStep) {}
func (NopRenderer) SessionsChanged([]SessionInfo)                                      {}
func (NopRenderer) ProcessingChanged(string, bool)                                     {}
func (NopRenderer) PermissionRequested(string, *engine.PermissionRequest)              {}

var _ Renderer = NopRenderer{}
