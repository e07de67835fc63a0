package brpc

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCallIdVersionArithmetic(t *testing.T) {
	id := makeCallId(7, 3)
	if id.slotIndex() != 7 || id.version() != 3 {
		t.Fatalf("bad split: %d %d", id.slotIndex(), id.version())
	}
	if id.add(2).version() != 5 || id.add(2).slotIndex() != 7 {
		t.Fatal("add must only move the version")
	}
}

func TestIdLockAndResetRange(t *testing.T) {
	cntl := &Controller{}
	var got []Errno
	id := callIds.newCallId(cntl, func(id CallId, c *Controller, ev idEvent) {
		got = append(got, ev.errno)
		callIds.unlock(c.callId)
	})
	cntl.callId = id
	if rc := callIds.lockAndResetRange(id, 5); rc != OK {
		t.Fatalf("lock: %v", rc)
	}
	// events queue while locked
	callIds.postEvent(id, idEvent{errno: ERPCTIMEDOUT})
	if len(got) != 0 {
		t.Fatal("event must queue while locked")
	}
	callIds.unlock(id)
	if len(got) != 1 || got[0] != ERPCTIMEDOUT {
		t.Fatalf("queued event not dispatched: %v", got)
	}
}

func TestIdStaleVersionIsNoop(t *testing.T) {
	cntl := &Controller{}
	var fired int32
	id := callIds.newCallId(cntl, func(id CallId, c *Controller, ev idEvent) {
		atomic.AddInt32(&fired, 1)
		callIds.unlock(c.callId)
	})
	cntl.callId = id
	if rc := callIds.lockAndResetRange(id, 3); rc != OK {
		t.Fatalf("lock: %v", rc)
	}
	callIds.unlock(id)
	// out of the reserved range [v, v+3)
	callIds.postEvent(id.add(3), idEvent{errno: ERPCTIMEDOUT})
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("out-of-range version must be dropped")
	}
	callIds.postEvent(id.add(1), idEvent{errno: ERPCTIMEDOUT})
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("in-range version must dispatch")
	}
}

func TestIdDestroyInvalidatesAndWakesJoiners(t *testing.T) {
	cntl := &Controller{}
	id := callIds.newCallId(cntl, func(id CallId, c *Controller, ev idEvent) {
		callIds.unlockAndDestroy(c.callId)
	})
	cntl.callId = id
	if rc := callIds.lockAndResetRange(id, 2); rc != OK {
		t.Fatalf("lock: %v", rc)
	}

	joined := make(chan struct{})
	go func() {
		callIds.join(id)
		close(joined)
	}()

	callIds.unlock(id)
	callIds.postEvent(id, idEvent{errno: ECANCELED}) // handler destroys

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not wake after destroy")
	}

	if rc := callIds.lockAndResetRange(id, 2); rc != EINVAL {
		t.Fatalf("locking a destroyed slot: got %v, want EINVAL", rc)
	}
	// events against the dead life are no-ops
	callIds.postEvent(id, idEvent{errno: ERPCTIMEDOUT})
	callIds.join(id) // returns immediately
}

func TestIdSlotReuseKeepsVersionsMonotonic(t *testing.T) {
	cntl := &Controller{}
	id := callIds.newCallId(cntl, func(id CallId, c *Controller, ev idEvent) {
		callIds.unlockAndDestroy(c.callId)
	})
	cntl.callId = id
	callIds.lockAndResetRange(id, 4)
	callIds.unlockAndDestroy(id)

	cntl2 := &Controller{}
	id2 := callIds.newCallId(cntl2, func(id CallId, c *Controller, ev idEvent) {
		callIds.unlock(c.callId)
	})
	cntl2.callId = id2
	if id2.slotIndex() == id.slotIndex() && id2.version() <= id.version() {
		t.Fatalf("reused slot must continue its version space: %d then %d",
			id.version(), id2.version())
	}
}
