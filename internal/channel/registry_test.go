package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/internal/logging"
	"conductor/internal/protocol"
)

// recorderConn captures written frames in memory.
type recorderConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (c *recorderConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *recorderConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recorderConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *recorderConn) lastFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *recorderConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendDeliversSerializedFrame(t *testing.T) {
	r := NewRegistry(8, logging.Nop())
	conn := &recorderConn{}
	r.Connect("cc-1", conn)

	if !r.Send("cc-1", protocol.NewPong()) {
		t.Fatal("send failed")
	}
	waitFor(t, func() bool { return conn.frameCount() == 1 })

	var frame map[string]any
	if err := json.Unmarshal(conn.lastFrame(), &frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != protocol.TypePong {
		t.Fatalf("frame type = %v", frame["type"])
	}
}

func TestSendToUnknownClientFails(t *testing.T) {
	r := NewRegistry(8, logging.Nop())
	if r.Send("ghost", protocol.NewPong()) {
		t.Fatal("send to unknown client should fail")
	}
	if r.IsConnected("ghost") {
		t.Fatal("ghost should not be connected")
	}
}

func TestReplaceOnDuplicateConnect(t *testing.T) {
	r := NewRegistry(8, logging.Nop())
	hookCalls := 0
	r.SetDisconnectHook(func(string) { hookCalls++ })

	first := &recorderConn{}
	second := &recorderConn{}
	r.Connect("cc-1", first)
	r.Connect("cc-1", second)

	waitFor(t, first.isClosed)
	if hookCalls != 0 {
		t.Fatal("replacement must not fire the disconnect hook")
	}

	if !r.Send("cc-1", protocol.NewPong()) {
		t.Fatal("send after replacement failed")
	}
	waitFor(t, func() bool { return second.frameCount() == 1 })
	if first.frameCount() != 0 {
		t.Fatal("frame leaked to replaced connection")
	}
}

func TestDisconnectFiresHookOnce(t *testing.T) {
	r := NewRegistry(8, logging.Nop())
	var calls []string
	r.SetDisconnectHook(func(id string) { calls = append(calls, id) })

	conn := &recorderConn{}
	r.Connect("cc-1", conn)
	r.Disconnect("cc-1")
	r.Disconnect("cc-1")

	if len(calls) != 1 || calls[0] != "cc-1" {
		t.Fatalf("hook calls = %v", calls)
	}
	if r.IsConnected("cc-1") {
		t.Fatal("client still connected")
	}
	waitFor(t, conn.isClosed)
}

func TestBackpressureDropsFrames(t *testing.T) {
	r := NewRegistry(1, logging.Nop())
	// A connection whose writes block forever by never being pumped: fill
	// the queue faster than the pump drains by making writes slow.
	conn := &slowConn{release: make(chan struct{})}
	r.Connect("cc-1", conn)

	// First frame is picked up by the pump and blocks in WriteMessage;
	// second fills the queue; third must be rejected.
	ok1 := r.Send("cc-1", protocol.NewPong())
	waitFor(t, func() bool { return conn.writing() })
	ok2 := r.Send("cc-1", protocol.NewPong())
	ok3 := r.Send("cc-1", protocol.NewPong())

	if !ok1 || !ok2 {
		t.Fatalf("first sends should queue: %v %v", ok1, ok2)
	}
	if ok3 {
		t.Fatal("expected backpressure failure")
	}
	close(conn.release)
}

type slowConn struct {
	mu      sync.Mutex
	started bool
	release chan struct{}
}

func (c *slowConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	<-c.release
	return nil
}

func (c *slowConn) Close() error { return nil }

func (c *slowConn) writing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func TestWriteFailureDisconnects(t *testing.T) {
	r := NewRegistry(8, logging.Nop())
	var mu sync.Mutex
	var calls []string
	r.SetDisconnectHook(func(id string) {
		mu.Lock()
		calls = append(calls, id)
		mu.Unlock()
	})

	conn := &recorderConn{fail: true}
	r.Connect("cc-1", conn)
	r.Send("cc-1", protocol.NewPong())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	})
	if r.IsConnected("cc-1") {
		t.Fatal("client should be dropped after write failure")
	}
}
