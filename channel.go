package brpc

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Channel is the durable, thread-safe handle callers issue RPCs through.
// It targets either one server (an interned socket) or a server set behind
// a naming service and a load balancer. Channels are cheap enough to keep
// per target for the process lifetime; CallMethod may run on any number of
// goroutines concurrently.
type Channel struct {
	options        ChannelOptions
	protocol       *Protocol
	preferredIndex int

	serverAddress Endpoint
	serverId      SocketId
	lb            *LoadBalancerWithNaming

	logger Logger
	closed int32
}

func NewChannel() *Channel {
	return &Channel{
		serverId:       InvalidSocketId,
		preferredIndex: -1,
		logger:         defaultLogger,
	}
}

func (ch *Channel) SingleServer() bool {
	return ch.serverId != InvalidSocketId
}

// InitChannelOptions resolves the protocol and the connection type; every
// Init variant funnels through it.
func (ch *Channel) InitChannelOptions(options *ChannelOptions) error {
	if options != nil {
		ch.options = *options
	} else {
		ch.options = *NewChannelOptions()
	}
	ch.options.normalize()

	protocol := FindProtocol(ch.options.Protocol)
	if protocol == nil {
		return errors.Wrapf(ErrProtocolUnknown, "%q", ch.options.Protocol)
	}
	if !protocol.SupportClient {
		return errors.Errorf("brpc: protocol %q has no client support", protocol.Name)
	}
	ch.protocol = protocol

	if ch.options.ConnectionType == ConnTypeUnknown {
		hadError := ch.options.connTypeHadError
		switch {
		case protocol.SupportedConnType&ConnTypeSingle != 0:
			ch.options.ConnectionType = ConnTypeSingle
		case protocol.SupportedConnType&ConnTypePooled != 0:
			ch.options.ConnectionType = ConnTypePooled
		default:
			ch.options.ConnectionType = ConnTypeShort
		}
		if hadError {
			ch.logger.Errorf("brpc: channel chose connection_type=%s for protocol=%s",
				ch.options.ConnectionType, protocol.Name)
		}
	} else if ch.options.ConnectionType&protocol.SupportedConnType == 0 {
		return errors.Wrapf(ErrConnectionType, "%s does not support connection_type=%s",
			protocol.Name, ch.options.ConnectionType)
	}

	ch.preferredIndex = findProtocolIndex(ch.options.Protocol)
	if ch.preferredIndex < 0 {
		return errors.Errorf("brpc: fail to get index for protocol %q", protocol.Name)
	}

	if ch.options.Protocol == ProtocolEsp && ch.options.Auth == nil {
		ch.options.Auth = GlobalEspAuthenticator()
	}
	return nil
}

// Init parses "host:port" (ip literal, bracketed ipv6 or hostname) or a
// protocol-specific address and binds the channel to that one server. A
// string containing "://" belongs to InitWithNaming and is rejected with a
// hint.
func (ch *Channel) Init(serverAddrAndPort string, options *ChannelOptions) error {
	GlobalInitializeOrDie()
	protoName := ch.options.Protocol
	if options != nil && options.Protocol != "" {
		protoName = options.Protocol
	}
	var point Endpoint
	if protocol := FindProtocol(protoName); protocol != nil && protocol.ParseServerAddress != nil {
		ep, ok := protocol.ParseServerAddress(serverAddrAndPort)
		if !ok {
			return errors.Wrapf(ErrInvalidAddress, "fail to parse %q", serverAddrAndPort)
		}
		point = ep
	} else {
		ep, err := str2Endpoint(serverAddrAndPort)
		if err != nil {
			ep, err = hostname2Endpoint(serverAddrAndPort)
		}
		if err != nil {
			// many users call the wrong Init; keep the troubleshooting cheap
			if looksLikeNamingURL(serverAddrAndPort) {
				return errors.Wrapf(ErrInvalidAddress,
					"%q is a naming service url, use InitWithNaming(naming_service_name, load_balancer_name, options)",
					serverAddrAndPort)
			}
			return errors.Wrapf(err, "invalid address %q", serverAddrAndPort)
		}
		point = ep
	}
	return ch.InitWithEndpoint(point, options)
}

// InitWithHostPort is Init with the port split out.
func (ch *Channel) InitWithHostPort(host string, port int, options *ChannelOptions) error {
	GlobalInitializeOrDie()
	protoName := ch.options.Protocol
	if options != nil && options.Protocol != "" {
		protoName = options.Protocol
	}
	if protocol := FindProtocol(protoName); protocol != nil && protocol.ParseServerAddress != nil {
		ep, ok := protocol.ParseServerAddress(host)
		if !ok {
			return errors.Wrapf(ErrInvalidAddress, "fail to parse %q", host)
		}
		ep.Port = port
		return ch.InitWithEndpoint(ep, options)
	}
	ep, err := endpointWithPort(host, port)
	if err != nil {
		ep, err = hostnameWithPort(host, port)
	}
	if err != nil {
		return errors.Wrapf(err, "invalid address %q port %d", host, port)
	}
	return ch.InitWithEndpoint(ep, options)
}

// InitWithEndpoint is the canonical single-server form: the endpoint is
// interned in the socket map and the reference is held until Close.
func (ch *Channel) InitWithEndpoint(point Endpoint, options *ChannelOptions) error {
	GlobalInitializeOrDie()
	if err := ch.InitChannelOptions(options); err != nil {
		return err
	}
	if point.Port < 0 || point.Port > 65535 {
		return errors.Wrapf(ErrInvalidPort, "port=%d", point.Port)
	}
	ch.serverAddress = point
	id, err := SocketMapInsert(point)
	if err != nil {
		return err
	}
	ch.serverId = id
	return nil
}

// InitWithNaming subscribes to ns_url's server set and selects servers with
// the named balancer per attempt. An empty balancer name degrades to the
// single-server Init, treating ns_url as an address.
func (ch *Channel) InitWithNaming(nsURL, lbName string, options *ChannelOptions) error {
	if lbName == "" {
		return ch.Init(nsURL, options)
	}
	GlobalInitializeOrDie()
	if err := ch.InitChannelOptions(options); err != nil {
		return err
	}
	lb := newLoadBalancerWithNaming(ch.logger)
	err := lb.Init(nsURL, lbName, ch.options.NSFilter, NamingServiceOptions{
		SucceedWithoutServer:    ch.options.SucceedWithoutServer,
		LogSucceedWithoutServer: ch.options.LogSucceedWithoutServer,
	})
	if err != nil {
		return errors.WithMessage(err, "fail to initialize load balancer with naming")
	}
	ch.lb = lb
	return nil
}

// CallMethod issues one call. Asynchronous iff done is non-nil; otherwise
// it blocks until the correlation slot resolves. Exactly one of success,
// application error or framework error lands on the controller, done runs
// exactly once, and no timer, socket reference, correlation version or
// balancer feedback survives the call.
func (ch *Channel) CallMethod(method *MethodDescriptor, cntl *Controller,
	request, response interface{}, done func()) {
	startSendRealUs := gettimeofdayUs()
	cntl.OnRPCBegin(startSendRealUs)
	// max_retry first: it decides how many versions the correlation slot
	// reserves
	if cntl.maxRetry == unsetMagicNum {
		cntl.maxRetry = ch.options.MaxRetry
	}
	if cntl.maxRetry < 0 {
		cntl.maxRetry = 0
	}
	if cntl.retryPolicy == nil {
		cntl.retryPolicy = ch.options.RetryPolicy
	}
	correlationId := cntl.callId
	if rc := callIds.lockAndResetRange(correlationId, 2+cntl.maxRetry); rc != OK {
		if cntl.errorCode != ECANCELED {
			// very likely a Controller reused without Reset
			errno := cntl.errorCode
			if errno == OK {
				errno = EINVAL
			}
			cntl.SetFailed(errno, "call_id=%d was destroyed before CallMethod(), "+
				"did you forget to Reset() the controller?", uint64(correlationId))
		}
		// cancelling is common, not worth a log
		runDoneByState(cntl, done)
		return
	}
	atomic.StoreInt32(&cntl.runDoneState, canRunDone)
	metricCalls.Inc()
	metricInflight.Inc()

	if isTraceable(cntl.ctx) {
		var methodName string
		switch {
		case ch.protocol.GetMethodName != nil:
			methodName = ch.protocol.GetMethodName(method, cntl)
		case method != nil:
			methodName = method.FullName()
		default:
			methodName = "null-method"
		}
		cntl.span = createClientSpan(cntl.ctx, methodName, cntl.logId,
			correlationId, ch.options.Protocol, startSendRealUs)
	}

	// remaining options inherit only if the controller left them unset
	if cntl.timeoutMs == unsetMagicNum {
		cntl.timeoutMs = ch.options.TimeoutMs
	}
	// connections are shared across channels, overriding connect_timeout_ms
	// per call would be meaningless
	cntl.connectTimeoutMs = ch.options.ConnectTimeoutMs
	if cntl.backupRequestMs == unsetMagicNum {
		cntl.backupRequestMs = ch.options.BackupRequestMs
	}
	if cntl.connectionType == ConnTypeUnknown {
		cntl.connectionType = ch.options.ConnectionType
	}
	cntl.response = response
	cntl.done = done
	cntl.packRequest = ch.protocol.PackRequest
	cntl.method = method
	cntl.auth = ch.options.Auth
	cntl.requestProtocol = ch.protocol
	cntl.preferredIndex = ch.preferredIndex

	if ch.SingleServer() {
		cntl.singleServerId = ch.serverId
		cntl.remoteSide = ch.serverAddress
	} else {
		// shared with the controller for the duration of the call
		ch.lb.AddRef()
		cntl.lb = ch.lb
	}

	if globalConfig.UsercodeInPool && done != nil && TooManyUserCode() {
		cntl.SetFailed(ELIMIT, "too many user code to run when usercode_in_pool is on")
		cntl.HandleSendFailed()
		return
	}

	reqBuf, err := ch.protocol.SerializeRequest(cntl, request)
	if err != nil {
		cntl.SetFailed(EREQUEST, "fail to serialize request: %v", err)
	}
	cntl.requestBuf = reqBuf
	if cntl.FailedInline() {
		cntl.HandleSendFailed()
		return
	}

	if cntl.requestStream != InvalidStreamId {
		// retry and backup request are not meaningful on a stream
		cntl.maxRetry = 0
		cntl.backupRequestMs = -1
	}

	if cntl.backupRequestMs >= 0 &&
		(cntl.backupRequestMs < cntl.timeoutMs || cntl.timeoutMs < 0) {
		// backup-request timer first; the handler arms the timeout timer
		// for the remaining budget when it fires
		if cntl.timeoutMs < 0 {
			cntl.abstimeUs = -1
		} else {
			cntl.abstimeUs = cntl.timeoutMs*1000 + startSendRealUs
		}
		t, err := addTimerAt(cntl.backupRequestMs*1000+startSendRealUs,
			makeBackupRequestClosure(correlationId))
		if err != nil {
			cntl.SetFailed(EINTERNAL, "fail to add timer for backup request: %v", err)
			cntl.HandleSendFailed()
			return
		}
		cntl.timeoutTimer = t
	} else if cntl.timeoutMs >= 0 {
		cntl.abstimeUs = cntl.timeoutMs*1000 + startSendRealUs
		t, err := addTimerAt(cntl.abstimeUs, cntl.makeTimeoutClosure())
		if err != nil {
			cntl.SetFailed(EINTERNAL, "fail to add timer for timeout: %v", err)
			cntl.HandleSendFailed()
			return
		}
		cntl.timeoutTimer = t
	} else {
		cntl.abstimeUs = -1
	}

	cntl.IssueRPC(startSendRealUs)
	if done == nil {
		// synchronous: wait for the slot to resolve, woken by the
		// completion callback whatever thread it runs on
		Join(correlationId)
		cntl.span.submit(cntl.errorCode, cntl.errorText)
		cntl.OnRPCEnd(gettimeofdayUs())
	} else {
		// leaving CallMethod: completions now run on whichever thread
		// delivers them and must not borrow this stack
		atomic.CompareAndSwapInt32(&cntl.runDoneState, canRunDone, cannotRunDone)
	}
}

func makeBackupRequestClosure(cid CallId) func() {
	return func() {
		callIds.postEvent(cid, idEvent{errno: EBACKUPREQUEST})
	}
}

// runDoneByState invokes done inline only when completion happened on the
// thread still inside CallMethod; everything else goes through a fresh
// task so the caller's completion code never re-enters its own stack.
func runDoneByState(cntl *Controller, done func()) {
	if done == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&cntl.runDoneState, canRunDone, didRunDone) {
		done()
		return
	}
	runDoneInAnotherTask(done)
}

func runDoneInAnotherTask(done func()) {
	if err := submitUserCode(done); err != nil {
		defaultLogger.Errorf("brpc: fail to start task for done: %v, running inline", err)
		done()
	}
}

// Describe writes "Channel[<endpoint-or-lb>]".
func (ch *Channel) Describe(w io.Writer, opt DescribeOptions) {
	io.WriteString(w, "Channel[")
	if ch.SingleServer() {
		io.WriteString(w, ch.serverAddress.String())
	} else if ch.lb != nil {
		ch.lb.Describe(w, opt)
	}
	io.WriteString(w, "]")
}

// Weight is the balancer's weight, 0 for single-server channels.
func (ch *Channel) Weight() int {
	if ch.lb != nil {
		return ch.lb.Weight()
	}
	return 0
}

// CheckHealth reports whether a call issued now could reach a server. The
// multi-server probe is a dry SelectServer; if the balancer wants feedback
// for it, a synthetic cancel keeps its state unpolluted.
func (ch *Channel) CheckHealth() error {
	if ch.lb == nil {
		sock, err := SocketAddress(ch.serverId)
		if err != nil {
			return err
		}
		if !sock.Addressable() {
			return errors.Errorf("brpc: socket to %s is broken", sock.remote)
		}
		return nil
	}
	in := SelectIn{}
	sock, needFeedback, err := ch.lb.SelectServer(in)
	if err != nil {
		return err
	}
	if needFeedback {
		ch.lb.Feedback(CallInfo{ServerId: sock.id, ErrorCode: ECANCELED, In: in})
	}
	return nil
}

// Close releases the channel's server binding: the socket-map reference in
// single-server mode, the balancer reference otherwise. In-flight calls
// keep their own balancer references and finish normally.
func (ch *Channel) Close() {
	if !atomic.CompareAndSwapInt32(&ch.closed, 0, 1) {
		return
	}
	if ch.SingleServer() {
		SocketMapRemove(ch.serverAddress)
		ch.serverId = InvalidSocketId
		return
	}
	if ch.lb != nil {
		ch.lb.Deref()
	}
}
