package brpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/RussellLuo/timingwheel"
)

// unsetMagicNum marks call-level options that inherit from ChannelOptions.
const unsetMagicNum = -123456789

// run_done_state: done may run inline only while the call is still on the
// CallMethod thread; afterwards it is re-scheduled onto a fresh task.
const (
	cannotRunDone int32 = iota
	canRunDone
	didRunDone
)

// StreamId identifies an attached request stream. Streams cannot be
// retried or hedged.
type StreamId uint64

const InvalidStreamId StreamId = 0

// RetryPolicy decides whether the error currently set on the Controller
// warrants another attempt.
type RetryPolicy interface {
	DoRetry(cntl *Controller) bool
}

type defaultRetryPolicy struct{}

func (defaultRetryPolicy) DoRetry(cntl *Controller) bool {
	switch cntl.ErrorCode() {
	case EFAILEDSOCKET, ECONNREFUSED, EHOSTDOWN, ELOGOFF, EOVERCROWDED:
		return true
	}
	return false
}

// DefaultRetryPolicy retries transport-level failures and nothing else; in
// particular timeouts and cancellation are final.
var DefaultRetryPolicy RetryPolicy = defaultRetryPolicy{}

// Controller is the mutable per-call context exchanged between caller and
// framework. Create one per call (or Reset between reuses), fill the
// call-level overrides, pass it to CallMethod, read the outcome after
// completion.
type Controller struct {
	ctx context.Context

	callId CallId

	// call-level overrides, unsetMagicNum/ConnTypeUnknown inherit
	maxRetry         int
	timeoutMs        int64
	backupRequestMs  int64
	connectTimeoutMs int64
	connectionType   ConnectionType
	logId            uint64
	requestCode      uint64
	hasRequestCode   bool

	requestBuf []byte
	response   interface{}
	done       func()

	method          *MethodDescriptor
	auth            Authenticator
	packRequest     func([]byte, *Controller, CallId, *MethodDescriptor, Authenticator) ([]byte, error)
	requestProtocol *Protocol
	preferredIndex  int

	singleServerId SocketId
	remoteSide     Endpoint
	lb             *LoadBalancerWithNaming

	timeoutTimer *timingwheel.Timer
	abstimeUs    int64

	span         *clientSpan
	runDoneState int32

	errorCode    Errno
	errorText    string
	failedInline bool

	retryPolicy   RetryPolicy
	requestStream StreamId

	// per-attempt state; attempts is keyed by the attempt's slot version so
	// that completion resolves the server that actually answered — a hedged
	// original may finish after the backup attempt was issued
	nretry        int
	unfinishedVer uint32 // hedged attempt still racing, 0 if none
	excluded      []SocketId
	attempts      map[uint32]attemptInfo

	beginTimeUs int64
	endTimeUs   int64
}

// attemptInfo is what one IssueRPC bound: the server it picked and the
// selection the balancer may want fed back.
type attemptInfo struct {
	sockId       SocketId
	remote       Endpoint
	selectIn     SelectIn
	needFeedback bool
}

func NewController() *Controller {
	c := &Controller{}
	c.resetFields()
	c.callId = callIds.newCallId(c, dispatchVersionedRPC)
	return c
}

func (c *Controller) resetFields() {
	c.ctx = nil
	c.maxRetry = unsetMagicNum
	c.timeoutMs = unsetMagicNum
	c.backupRequestMs = unsetMagicNum
	c.connectTimeoutMs = 0
	c.connectionType = ConnTypeUnknown
	c.logId = 0
	c.requestCode = 0
	c.hasRequestCode = false
	c.requestBuf = nil
	c.response = nil
	c.done = nil
	c.method = nil
	c.auth = nil
	c.packRequest = nil
	c.requestProtocol = nil
	c.preferredIndex = -1
	c.singleServerId = InvalidSocketId
	c.remoteSide = Endpoint{}
	c.lb = nil
	c.timeoutTimer = nil
	c.abstimeUs = -1
	c.span = nil
	atomic.StoreInt32(&c.runDoneState, cannotRunDone)
	c.errorCode = OK
	c.errorText = ""
	c.failedInline = false
	c.retryPolicy = nil
	c.requestStream = InvalidStreamId
	c.nretry = 0
	c.unfinishedVer = 0
	c.excluded = nil
	c.attempts = nil
	c.beginTimeUs = 0
	c.endTimeUs = 0
}

// Reset prepares the Controller for another call: the old correlation slot
// is destroyed (any straggling completions become no-ops) and a fresh one
// is allocated. Never reset a Controller with a call in flight; Join it
// first.
func (c *Controller) Reset() {
	callIds.unlockAndDestroy(c.callId)
	stopTimer(c.timeoutTimer)
	c.resetFields()
	c.callId = callIds.newCallId(c, dispatchVersionedRPC)
}

func (c *Controller) CallId() CallId { return c.callId }

func (c *Controller) SetContext(ctx context.Context) { c.ctx = ctx }
func (c *Controller) Context() context.Context       { return c.ctx }

func (c *Controller) SetTimeoutMs(ms int64) { c.timeoutMs = ms }
func (c *Controller) TimeoutMs() int64      { return c.timeoutMs }

func (c *Controller) SetBackupRequestMs(ms int64) { c.backupRequestMs = ms }
func (c *Controller) BackupRequestMs() int64      { return c.backupRequestMs }

func (c *Controller) SetMaxRetry(n int) { c.maxRetry = n }
func (c *Controller) MaxRetry() int     { return c.maxRetry }

// ConnectTimeoutMs is always the channel's value; see CallMethod.
func (c *Controller) ConnectTimeoutMs() int64 { return c.connectTimeoutMs }

func (c *Controller) SetConnectionType(ct ConnectionType) { c.connectionType = ct }
func (c *Controller) ConnectionType() ConnectionType      { return c.connectionType }

func (c *Controller) SetLogID(id uint64) { c.logId = id }
func (c *Controller) LogID() uint64      { return c.logId }

func (c *Controller) SetRequestCode(code uint64) {
	c.requestCode = code
	c.hasRequestCode = true
}

func (c *Controller) SetRetryPolicy(p RetryPolicy) { c.retryPolicy = p }

// SetRequestStream attaches a request stream; CallMethod then disables
// retries and backup requests for this call.
func (c *Controller) SetRequestStream(id StreamId) { c.requestStream = id }

// RemoteSide is the channel's server address; set iff the channel is
// single-server. Balanced channels pick a server per attempt and leave it
// zero.
func (c *Controller) RemoteSide() Endpoint { return c.remoteSide }

// RetriedCount is the number of extra attempts actually launched, hedged
// ones included.
func (c *Controller) RetriedCount() int { return c.nretry }

func (c *Controller) Failed() bool {
	return c.errorCode != OK
}

func (c *Controller) ErrorCode() Errno { return c.errorCode }

func (c *Controller) ErrorText() string { return c.errorText }

func (c *Controller) IsCanceled() bool { return c.errorCode == ECANCELED }

// SetFailed records the outcome. The framework calls it on every failing
// path; server-defined application errors arrive here through the
// protocol's UnpackResponse.
func (c *Controller) SetFailed(errno Errno, format string, args ...interface{}) {
	c.errorCode = errno
	if format == "" {
		c.errorText = errno.String()
	} else {
		c.errorText = fmt.Sprintf(format, args...)
	}
	c.failedInline = true
}

func (c *Controller) FailedInline() bool { return c.failedInline }

func (c *Controller) clearFailure() {
	c.errorCode = OK
	c.errorText = ""
	c.failedInline = false
}

func (c *Controller) OnRPCBegin(us int64) {
	c.beginTimeUs = us
	c.endTimeUs = 0
}

func (c *Controller) OnRPCEnd(us int64) {
	c.endTimeUs = us
}

func (c *Controller) LatencyUs() int64 {
	if c.endTimeUs == 0 {
		return 0
	}
	return c.endTimeUs - c.beginTimeUs
}

// StartCancel cancels the call; in-flight timers and sends observe the
// completed slot and become no-ops.
func (c *Controller) StartCancel() {
	callIds.postEvent(c.callId, idEvent{errno: ECANCELED})
}

// currentCallId addresses the attempt in flight: version v+1+nretry inside
// the range locked by CallMethod.
func (c *Controller) currentCallId() CallId {
	return c.callId.add(uint32(1 + c.nretry))
}

// IssueRPC launches one attempt: select a server, pack, write. It runs with
// the correlation slot locked and always unlocks it; failures are posted
// against the attempt's version so the slot's handler decides between retry
// and completion like any other outcome.
func (c *Controller) IssueRPC(startRealUs int64) {
	cid := c.currentCallId()
	sock, att, err := c.selectServer(startRealUs)
	if err != nil {
		callIds.postEvent(cid, idEvent{errno: c.errorCode})
		callIds.unlock(c.callId)
		return
	}
	c.excluded = append(c.excluded, sock.id)
	if c.attempts == nil {
		c.attempts = make(map[uint32]attemptInfo, 2)
	}
	c.attempts[cid.version()] = att
	c.span.setRemote(sock.remote)

	data, err := c.packRequest(c.requestBuf, c, cid, c.method, c.auth)
	if err != nil {
		c.SetFailed(EREQUEST, "fail to pack request: %v", err)
		callIds.postEvent(cid, idEvent{errno: EREQUEST})
		callIds.unlock(c.callId)
		return
	}
	if err := sock.Write(c, data, cid); err != nil {
		errno := errnoFromTransport(err)
		c.SetFailed(errno, "fail to write to %s: %v", sock.remote, err)
		callIds.postEvent(cid, idEvent{errno: errno})
	}
	callIds.unlock(c.callId)
}

func (c *Controller) selectServer(startRealUs int64) (*Socket, attemptInfo, error) {
	if c.singleServerId != InvalidSocketId {
		sock, err := SocketAddress(c.singleServerId)
		if err != nil {
			c.SetFailed(EFAILEDSOCKET, "fail to address server %d: %v", c.singleServerId, err)
			return nil, attemptInfo{}, err
		}
		return sock, attemptInfo{sockId: sock.id, remote: sock.remote}, nil
	}
	if c.lb != nil {
		in := SelectIn{
			BeginTimeUs:    startRealUs,
			HasRequestCode: c.hasRequestCode,
			RequestCode:    c.requestCode,
			Excluded:       c.excluded,
		}
		sock, needFeedback, err := c.lb.SelectServer(in)
		if err != nil {
			c.SetFailed(EHOSTDOWN, "fail to select server: %v", err)
			return nil, attemptInfo{}, err
		}
		return sock, attemptInfo{
			sockId:       sock.id,
			remote:       sock.remote,
			selectIn:     in,
			needFeedback: needFeedback,
		}, nil
	}
	c.SetFailed(EINVAL, "no server to issue the call to")
	return nil, attemptInfo{}, ErrNoServer
}

// attemptOf resolves the attempt a completion belongs to. Call-level events
// (timeout, cancellation) arrive on the base version and charge the attempt
// in flight.
func (c *Controller) attemptOf(id CallId) (attemptInfo, bool) {
	ver := id.version()
	if ver == c.callId.version() {
		ver = c.currentCallId().version()
	}
	att, ok := c.attempts[ver]
	return att, ok
}

// dispatchVersionedRPC is the correlation slot's event handler. It runs with
// the slot locked and must end by unlocking or destroying it.
func dispatchVersionedRPC(id CallId, cntl *Controller, ev idEvent) {
	cntl.onVersionedRPCReturned(id, ev)
}

func (c *Controller) onVersionedRPCReturned(id CallId, ev idEvent) {
	if ev.errno == EBACKUPREQUEST {
		c.handleBackupRequest()
		return
	}
	baseVer := c.callId.version()
	if v := id.version(); v != baseVer && v != c.currentCallId().version() &&
		(c.unfinishedVer == 0 || v != c.unfinishedVer) {
		// a straggler from an abandoned attempt
		callIds.unlock(c.callId)
		return
	}
	if ev.errno == OK {
		if err := c.requestProtocol.UnpackResponse(ev.payload, c); err != nil {
			c.SetFailed(ERESPONSE, "fail to parse response: %v", err)
		}
		c.endRPC(id)
		return
	}
	if c.errorCode != ev.errno {
		// keep the message of whoever posted the error, if any
		c.SetFailed(ev.errno, "%s", ev.errno.String())
	}
	if c.shouldRetry() {
		c.clearFailure()
		c.nretry++
		metricRetries.Inc()
		c.span.addRetry(c.nretry)
		c.IssueRPC(gettimeofdayUs())
		return
	}
	c.endRPC(id)
}

// handleBackupRequest launches the hedged attempt. The backup timer armed
// only itself, so the remaining budget gets a real timeout timer now; the
// original attempt stays in flight and the first response wins.
func (c *Controller) handleBackupRequest() {
	if c.abstimeUs >= 0 {
		t, err := addTimerAt(c.abstimeUs, c.makeTimeoutClosure())
		if err == nil {
			c.timeoutTimer = t
		} else {
			c.logger().Errorf("brpc: fail to arm timeout timer after backup request: %v", err)
		}
	}
	if c.nretry >= c.maxRetry {
		callIds.unlock(c.callId)
		return
	}
	// the original attempt keeps racing; the first response wins
	c.unfinishedVer = c.currentCallId().version()
	c.nretry++
	metricBackupRequests.Inc()
	c.span.addRetry(c.nretry)
	c.IssueRPC(gettimeofdayUs())
}

func (c *Controller) makeTimeoutClosure() func() {
	cid := c.callId
	return func() {
		callIds.postEvent(cid, idEvent{errno: ERPCTIMEDOUT})
	}
}

func (c *Controller) shouldRetry() bool {
	if c.nretry >= c.maxRetry {
		return false
	}
	if c.abstimeUs >= 0 && gettimeofdayUs() >= c.abstimeUs {
		return false
	}
	rp := c.retryPolicy
	if rp == nil {
		rp = DefaultRetryPolicy
	}
	return rp.DoRetry(c)
}

// HandleSendFailed finishes a call that failed before anything was sent:
// the recorded error travels through the slot like every other outcome, so
// done runs exactly once on the usual path.
func (c *Controller) HandleSendFailed() {
	if c.errorCode == OK {
		c.SetFailed(EINTERNAL, "HandleSendFailed without error")
	}
	callIds.postEvent(c.currentCallId(), idEvent{errno: c.errorCode})
	callIds.unlock(c.callId)
}

// endRPC is the single exit of a call: stop the timer, feed the balancer
// the attempt that completed, drop the balancer reference, destroy the slot
// (waking a synchronous joiner), then hand done to the completion
// dispatcher.
func (c *Controller) endRPC(id CallId) {
	stopTimer(c.timeoutTimer)
	c.timeoutTimer = nil

	if c.lb != nil {
		if att, ok := c.attemptOf(id); ok && att.needFeedback {
			c.lb.Feedback(CallInfo{
				ServerId:  att.sockId,
				ErrorCode: c.errorCode,
				In:        att.selectIn,
			})
		}
		lb := c.lb
		c.lb = nil
		lb.Deref()
	}

	metricInflight.Dec()
	if c.errorCode != OK {
		countFailure(c.errorCode)
	}
	if c.done != nil {
		// the synchronous path submits the span and stamps OnRPCEnd after
		// Join returns, on the caller's thread
		c.span.submit(c.errorCode, c.errorText)
		c.OnRPCEnd(gettimeofdayUs())
	}
	done := c.done
	callIds.unlockAndDestroy(c.callId)
	runDoneByState(c, done)
}

func (c *Controller) logger() Logger {
	return defaultLogger
}
