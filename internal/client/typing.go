package client

import (
	"sync"
	"time"

	"github.com/parley/chat-relay/internal/protocol"
)

// DefaultQuietWindow is how long the indicator waits after the last
// keystroke before announcing that typing has stopped.
const DefaultQuietWindow = 3 * time.Second

// Indicator tracks whether the local user is typing in a chat and emits
// at most one typing event per burst of keystrokes. A burst ends when no
// keystroke has arrived for the quiet window; only then does the indicator
// emit stop_typing.
type Indicator struct {
	emit   Emitter
	chatID string
	quiet  time.Duration

	mu           sync.Mutex
	typing       bool
	lastActivity time.Time
}

// NewIndicator creates a typing indicator for one chat. A zero quiet
// duration selects DefaultQuietWindow.
func NewIndicator(emit Emitter, chatID string, quiet time.Duration) *Indicator {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Indicator{emit: emit, chatID: chatID, quiet: quiet}
}

// Keystroke records keyboard activity. On the first keystroke of a burst
// it emits a typing event; every keystroke refreshes the activity time and
// schedules a quiet-window check. Keystrokes before the connection is ready
// do nothing.
func (ind *Indicator) Keystroke() {
	if !ind.emit.Ready() {
		return
	}

	// The activity time is refreshed under the lock before anything else
	// happens, so a check already pending from an earlier burst that fires
	// while the typing event is still being written sees this keystroke and
	// stays silent.
	ind.mu.Lock()
	first := !ind.typing
	ind.typing = true
	ind.lastActivity = time.Now()
	ind.mu.Unlock()

	// Each keystroke arms its own check. Earlier checks fire too, but they
	// read the current activity time and so stay silent while typing
	// continues; only the check after the last keystroke sees a full quiet
	// window and ends the burst.
	time.AfterFunc(ind.quiet, ind.check)

	if first {
		_ = ind.emit.Send(protocol.TypingMsg{
			Type:   protocol.TypeTyping,
			ChatID: ind.chatID,
		})
	}
}

// check ends the burst if no keystroke arrived during the quiet window.
func (ind *Indicator) check() {
	ind.mu.Lock()
	if !ind.typing || time.Since(ind.lastActivity) < ind.quiet {
		ind.mu.Unlock()
		return
	}
	ind.typing = false
	ind.mu.Unlock()

	_ = ind.emit.Send(protocol.StopTypingMsg{
		Type:   protocol.TypeStopTyping,
		ChatID: ind.chatID,
	})
}

// Stop ends the burst immediately, emitting stop_typing if one was active.
// The chat view calls this when a message is sent.
func (ind *Indicator) Stop() {
	ind.mu.Lock()
	if !ind.typing {
		ind.mu.Unlock()
		return
	}
	ind.typing = false
	ind.mu.Unlock()

	_ = ind.emit.Send(protocol.StopTypingMsg{
		Type:   protocol.TypeStopTyping,
		ChatID: ind.chatID,
	})
}

// Typing reports whether a burst is currently active.
func (ind *Indicator) Typing() bool {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	return ind.typing
}
