package brpc

import (
	"net"
	"testing"
	"time"
)

func TestControllerDefaultsAreUnset(t *testing.T) {
	cntl := NewController()
	if cntl.TimeoutMs() != unsetMagicNum {
		t.Fatal("timeout must start unset")
	}
	if cntl.MaxRetry() != unsetMagicNum {
		t.Fatal("max_retry must start unset")
	}
	if cntl.BackupRequestMs() != unsetMagicNum {
		t.Fatal("backup_request_ms must start unset")
	}
	if cntl.ConnectionType() != ConnTypeUnknown {
		t.Fatal("connection type must start unknown")
	}
	if cntl.Failed() {
		t.Fatal("fresh controller must not be failed")
	}
}

func TestControllerOptionInheritance(t *testing.T) {
	installFakeServer(t, func(n int, cid CallId, payload []byte, reply func(Errno, []byte)) {
		reply(OK, stdEchoPayload(t, "ok"))
	})

	opts := NewChannelOptions()
	opts.TimeoutMs = 1234
	opts.BackupRequestMs = -1
	opts.MaxRetry = 7
	ch := newTestChannel(t, "127.0.0.1:9300", opts)

	cntl := NewController()
	var rsp echoResponse
	ch.CallMethod(echoMethod(), cntl, &echoRequest{Message: "x"}, &rsp, nil)
	if cntl.TimeoutMs() != 1234 {
		t.Fatalf("timeout not inherited: %d", cntl.TimeoutMs())
	}
	if cntl.MaxRetry() != 7 {
		t.Fatalf("max_retry not inherited: %d", cntl.MaxRetry())
	}
	if cntl.ConnectionType() != ConnTypeSingle {
		t.Fatalf("connection type not inherited: %s", cntl.ConnectionType())
	}

	// explicit overrides survive
	cntl2 := NewController()
	cntl2.SetTimeoutMs(50)
	cntl2.SetMaxRetry(0)
	ch.CallMethod(echoMethod(), cntl2, &echoRequest{Message: "x"}, &rsp, nil)
	if cntl2.TimeoutMs() != 50 {
		t.Fatalf("timeout override lost: %d", cntl2.TimeoutMs())
	}
	if cntl2.MaxRetry() != 0 {
		t.Fatalf("max_retry override lost: %d", cntl2.MaxRetry())
	}
}

func TestControllerResetReallocatesSlot(t *testing.T) {
	cntl := NewController()
	id1 := cntl.CallId()
	cntl.Reset()
	id2 := cntl.CallId()
	if id1 == id2 {
		t.Fatal("Reset must allocate a fresh correlation id")
	}
	// the old id is dead
	if rc := callIds.lockAndResetRange(id1, 2); rc != EINVAL {
		t.Fatalf("old id must be invalid, got %v", rc)
	}
	if rc := callIds.lockAndResetRange(id2, 2); rc != OK {
		t.Fatalf("new id must lock: %v", rc)
	}
	callIds.unlock(id2)
}

func TestDefaultRetryPolicy(t *testing.T) {
	cntl := NewController()
	for _, e := range []Errno{EFAILEDSOCKET, ECONNREFUSED, EHOSTDOWN, ELOGOFF, EOVERCROWDED} {
		cntl.SetFailed(e, "")
		if !DefaultRetryPolicy.DoRetry(cntl) {
			t.Fatalf("%v must be retryable", e)
		}
	}
	for _, e := range []Errno{ERPCTIMEDOUT, ECANCELED, EINVAL, ERESPONSE, ENOMETHOD} {
		cntl.SetFailed(e, "")
		if DefaultRetryPolicy.DoRetry(cntl) {
			t.Fatalf("%v must not be retryable", e)
		}
	}
}

type alwaysRetryPolicy struct{ calls int }

func (p *alwaysRetryPolicy) DoRetry(*Controller) bool {
	p.calls++
	return true
}

func TestCustomRetryPolicyConsulted(t *testing.T) {
	old := socketDialer
	socketDialer = func(ep Endpoint, timeout time.Duration) (net.Conn, error) {
		return nil, syscallRefused()
	}
	t.Cleanup(func() { socketDialer = old })

	opts := NewChannelOptions()
	opts.TimeoutMs = 500
	opts.MaxRetry = 1
	opts.ConnectionType = ConnTypeShort
	policy := &alwaysRetryPolicy{}
	opts.RetryPolicy = policy
	ch := newTestChannel(t, "127.0.0.1:9301", opts)

	cntl := NewController()
	var rsp echoResponse
	ch.CallMethod(echoMethod(), cntl, &echoRequest{Message: "x"}, &rsp, nil)
	if policy.calls == 0 {
		t.Fatal("custom retry policy was never consulted")
	}
	if cntl.RetriedCount() != 1 {
		t.Fatalf("retried count: %d", cntl.RetriedCount())
	}
}

func TestSetFailedFormatsText(t *testing.T) {
	cntl := NewController()
	cntl.SetFailed(EINVAL, "bad argument %d", 42)
	if cntl.ErrorText() != "bad argument 42" {
		t.Fatalf("text: %s", cntl.ErrorText())
	}
	cntl.SetFailed(ERPCTIMEDOUT, "")
	if cntl.ErrorText() != ERPCTIMEDOUT.String() {
		t.Fatalf("empty format must fall back to the errno text: %s", cntl.ErrorText())
	}
}
