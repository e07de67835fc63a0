package brpc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// LoadBalancerWithNaming composes a naming-service subscription with a
// selection algorithm. The handle is shared between the Channel and every
// in-flight Controller; an explicit refcount decides when the watcher stops
// and the interned sockets are released, so a Channel closed mid-call keeps
// the balancer alive until the last call completes.
type LoadBalancerWithNaming struct {
	lb     LoadBalancer
	ns     NamingService
	filter NSFilter
	logger Logger

	nref int64

	mu      sync.Mutex
	sockets map[Endpoint]SocketId
	stopped bool
}

func newLoadBalancerWithNaming(logger Logger) *LoadBalancerWithNaming {
	if logger == nil {
		logger = defaultLogger
	}
	return &LoadBalancerWithNaming{
		logger:  logger,
		nref:    1,
		sockets: make(map[Endpoint]SocketId),
	}
}

// Init wires the url's naming service to the named balancer and performs
// the synchronous first fetch. An empty first server set fails with ENODATA
// unless opt.SucceedWithoutServer tolerates it.
func (h *LoadBalancerWithNaming) Init(nsURL, lbName string, filter NSFilter,
	opt NamingServiceOptions) error {
	lb, err := newLoadBalancerByName(lbName)
	if err != nil {
		return err
	}
	ns, err := newNamingServiceByURL(nsURL, h.logger)
	if err != nil {
		return err
	}
	h.lb = lb
	h.ns = ns
	h.filter = filter

	nodes, err := ns.Fetch()
	if err != nil {
		ns.Stop()
		return errors.WithMessagef(err, "first fetch of %q", nsURL)
	}
	for _, node := range nodes {
		if err := h.AddOrUpdate(node); err != nil {
			h.logger.Warnf("brpc: naming %q: add %s: %v", nsURL, node.Endpoint, err)
		}
	}
	if h.serverCount() == 0 {
		if !opt.SucceedWithoutServer {
			ns.Stop()
			return errors.Wrapf(ErrNoServer, "naming service %q yields no server (errno %d)",
				nsURL, ENODATA)
		}
		if opt.LogSucceedWithoutServer {
			h.logger.Warnf("brpc: naming service %q yields no server yet, continuing", nsURL)
		}
	}
	go ns.Watch(h)
	return nil
}

func (h *LoadBalancerWithNaming) serverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// AddOrUpdate interns the node's endpoint and hands the socket to the
// balancer. Implements WatchCallback.
func (h *LoadBalancerWithNaming) AddOrUpdate(node ServerNode) error {
	if h.filter != nil && !h.filter(node) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	if _, ok := h.sockets[node.Endpoint]; ok {
		return nil
	}
	id, err := SocketMapInsert(node.Endpoint)
	if err != nil {
		return err
	}
	h.sockets[node.Endpoint] = id
	h.lb.AddServer(id)
	return nil
}

// Delete implements WatchCallback.
func (h *LoadBalancerWithNaming) Delete(node ServerNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	id, ok := h.sockets[node.Endpoint]
	if !ok {
		return
	}
	delete(h.sockets, node.Endpoint)
	h.lb.RemoveServer(id)
	SocketMapRemove(node.Endpoint)
}

// SelectServer resolves the balancer's pick to a live socket.
func (h *LoadBalancerWithNaming) SelectServer(in SelectIn) (*Socket, bool, error) {
	id, needFeedback, err := h.lb.SelectServer(in)
	if err != nil {
		return nil, false, err
	}
	sock, err := SocketAddress(id)
	if err != nil {
		return nil, needFeedback, err
	}
	return sock, needFeedback, nil
}

func (h *LoadBalancerWithNaming) Feedback(info CallInfo) {
	h.lb.Feedback(info)
}

func (h *LoadBalancerWithNaming) Weight() int {
	return h.lb.Weight()
}

func (h *LoadBalancerWithNaming) Describe(w io.Writer, opt DescribeOptions) {
	h.lb.Describe(w, opt)
}

func (h *LoadBalancerWithNaming) AddRef() {
	atomic.AddInt64(&h.nref, 1)
}

// Deref releases one reference; the last one stops the watcher and drops
// every interned socket.
func (h *LoadBalancerWithNaming) Deref() {
	if atomic.AddInt64(&h.nref, -1) != 0 {
		return
	}
	h.ns.Stop()
	h.mu.Lock()
	h.stopped = true
	sockets := h.sockets
	h.sockets = nil
	h.mu.Unlock()
	for ep, id := range sockets {
		h.lb.RemoveServer(id)
		SocketMapRemove(ep)
	}
}
