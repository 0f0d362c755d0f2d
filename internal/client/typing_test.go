package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeEmitter records every sent message as JSON so tests can assert on
// event types and payloads without a real connection.
type fakeEmitter struct {
	mu    sync.Mutex
	ready bool
	sent  [][]byte
}

func (f *fakeEmitter) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeEmitter) Ready() bool { return f.ready }

func (f *fakeEmitter) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, data := range f.sent {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &env)
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeEmitter) count(eventType string) int {
	n := 0
	for _, t := range f.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (f *fakeEmitter) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func TestKeystrokeBurstEmitsOneTypingEvent(t *testing.T) {
	emit := &fakeEmitter{ready: true}
	ind := NewIndicator(emit, "chat1", 50*time.Millisecond)

	// Rapid keystrokes well inside the quiet window.
	for i := 0; i < 5; i++ {
		ind.Keystroke()
		time.Sleep(10 * time.Millisecond)
	}

	if got := emit.count("typing"); got != 1 {
		t.Errorf("expected exactly 1 typing event during the burst, got %d", got)
	}
	if got := emit.count("stop_typing"); got != 0 {
		t.Errorf("expected no stop_typing while keystrokes continue, got %d", got)
	}

	// Let the quiet window elapse after the final keystroke.
	time.Sleep(120 * time.Millisecond)

	if got := emit.count("stop_typing"); got != 1 {
		t.Errorf("expected exactly 1 stop_typing after the burst, got %d", got)
	}
	if ind.Typing() {
		t.Error("indicator should be idle after the quiet window")
	}
}

func TestActivityDuringQuietWindowDefersStop(t *testing.T) {
	emit := &fakeEmitter{ready: true}
	ind := NewIndicator(emit, "chat1", 100*time.Millisecond)

	ind.Keystroke()
	time.Sleep(60 * time.Millisecond)
	ind.Keystroke()

	// The first keystroke's check fires around 100ms, but the second
	// keystroke refreshed the activity time 60ms in, so it must stay
	// silent.
	time.Sleep(60 * time.Millisecond)
	if got := emit.count("stop_typing"); got != 0 {
		t.Errorf("stop_typing fired while activity was recent, got %d", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := emit.count("stop_typing"); got != 1 {
		t.Errorf("expected 1 stop_typing after activity ceased, got %d", got)
	}
	if got := emit.count("typing"); got != 1 {
		t.Errorf("expected 1 typing event for the whole burst, got %d", got)
	}
}

// blockableEmitter lets a test hold one Send open until the gate channel is
// closed, simulating a slow websocket write.
type blockableEmitter struct {
	fakeEmitter
	gateMu sync.Mutex
	gate   chan struct{}
}

func (b *blockableEmitter) Send(msg interface{}) error {
	b.gateMu.Lock()
	gate := b.gate
	b.gate = nil
	b.gateMu.Unlock()
	if gate != nil {
		<-gate
	}
	return b.fakeEmitter.Send(msg)
}

func (b *blockableEmitter) blockNext() chan struct{} {
	ch := make(chan struct{})
	b.gateMu.Lock()
	b.gate = ch
	b.gateMu.Unlock()
	return ch
}

func TestPendingCheckStaysSilentDuringSlowSend(t *testing.T) {
	emit := &blockableEmitter{fakeEmitter: fakeEmitter{ready: true}}
	ind := NewIndicator(emit, "chat1", 60*time.Millisecond)

	// First burst, ended explicitly. Its quiet-window check is still armed.
	ind.Keystroke()
	ind.Stop()

	// A new burst starts just before that old check fires, with the typing
	// event stuck in a slow write. The check must see the fresh keystroke,
	// not the previous burst's activity time, and stay silent.
	time.Sleep(45 * time.Millisecond)
	gate := emit.blockNext()
	done := make(chan struct{})
	go func() {
		ind.Keystroke()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond) // old check fires around 60ms, inside the block
	if got := emit.count("stop_typing"); got != 1 {
		t.Errorf("expected only the explicit stop_typing while the send is in flight, got %d", got)
	}
	if !ind.Typing() {
		t.Error("new burst should still be active while its typing event is in flight")
	}

	close(gate)
	<-done

	// The new burst ends normally once its own quiet window elapses.
	time.Sleep(120 * time.Millisecond)
	if got := emit.count("stop_typing"); got != 2 {
		t.Errorf("expected exactly 2 stop_typing events in total, got %d", got)
	}
	if got := emit.count("typing"); got != 2 {
		t.Errorf("expected exactly 2 typing events in total, got %d", got)
	}
}

func TestKeystrokeBeforeReadyDoesNothing(t *testing.T) {
	emit := &fakeEmitter{ready: false}
	ind := NewIndicator(emit, "chat1", 50*time.Millisecond)

	ind.Keystroke()
	ind.Keystroke()
	time.Sleep(100 * time.Millisecond)

	if len(emit.types()) != 0 {
		t.Errorf("expected no events before the connection is ready, got %v", emit.types())
	}
	if ind.Typing() {
		t.Error("indicator should stay idle before the connection is ready")
	}
}

func TestStopEndsBurstImmediately(t *testing.T) {
	emit := &fakeEmitter{ready: true}
	ind := NewIndicator(emit, "chat1", 5*time.Second)

	ind.Keystroke()
	ind.Stop()

	if got := emit.count("stop_typing"); got != 1 {
		t.Errorf("expected stop_typing right after Stop, got %d", got)
	}
	if ind.Typing() {
		t.Error("indicator should be idle after Stop")
	}

	// A new keystroke starts a fresh burst.
	ind.Keystroke()
	if got := emit.count("typing"); got != 2 {
		t.Errorf("expected a second typing event for the new burst, got %d", got)
	}
}

func TestStopWithoutBurstIsNoop(t *testing.T) {
	emit := &fakeEmitter{ready: true}
	ind := NewIndicator(emit, "chat1", 50*time.Millisecond)

	ind.Stop()

	if len(emit.types()) != 0 {
		t.Errorf("expected no events from Stop on an idle indicator, got %v", emit.types())
	}
}
