package brpc

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ServerNode is one entry of the server set a naming service yields.
type ServerNode struct {
	Endpoint Endpoint
	Tag      string
}

// NSFilter drops servers from the discovered set before they reach the
// balancer.
type NSFilter func(ServerNode) bool

// WatchCallback receives server-set changes from a naming service.
type WatchCallback interface {
	AddOrUpdate(node ServerNode) error
	Delete(node ServerNode)
}

// NamingService yields a live server set for one service. Fetch performs the
// synchronous initial pull; Watch blocks, delivering changes until Stop.
type NamingService interface {
	Fetch() ([]ServerNode, error)
	Watch(cb WatchCallback)
	Stop()
}

// NamingServiceOptions mirrors the naming-related channel options at the
// point the watcher is created.
type NamingServiceOptions struct {
	SucceedWithoutServer    bool
	LogSucceedWithoutServer bool
}

type nsFactory func(target, service string, logger Logger) (NamingService, error)

var nsRegistry = struct {
	mu   sync.RWMutex
	fact map[string]nsFactory
}{fact: make(map[string]nsFactory)}

func RegisterNamingService(scheme string, f nsFactory) {
	nsRegistry.mu.Lock()
	defer nsRegistry.mu.Unlock()
	nsRegistry.fact[scheme] = f
}

// newNamingServiceByURL parses "scheme://target/service" and instantiates
// the registered factory of the scheme.
func newNamingServiceByURL(nsURL string, logger Logger) (NamingService, error) {
	scheme, rest, ok := strings.Cut(nsURL, "://")
	if !ok {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q is not a naming service url", nsURL)
	}
	target, service, _ := strings.Cut(rest, "/")
	nsRegistry.mu.RLock()
	f, ok := nsRegistry.fact[scheme]
	nsRegistry.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("brpc: unknown naming service scheme %q", scheme)
	}
	return f(target, service, logger)
}

// listNamingService serves a fixed server list, "list://h1:p1,h2:p2,...".
// There is nothing to watch; the set never changes.
type listNamingService struct {
	nodes []ServerNode
	c     chan struct{}
	once  sync.Once
}

func newListNamingService(target, _ string, _ Logger) (NamingService, error) {
	var nodes []ServerNode
	for _, part := range strings.Split(target, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, tag, _ := strings.Cut(part, " ")
		ep, err := str2Endpoint(addr)
		if err != nil {
			if ep, err = hostname2Endpoint(addr); err != nil {
				return nil, errors.WithMessagef(err, "list naming service entry %q", part)
			}
		}
		nodes = append(nodes, ServerNode{Endpoint: ep, Tag: tag})
	}
	return &listNamingService{nodes: nodes, c: make(chan struct{})}, nil
}

func (ns *listNamingService) Fetch() ([]ServerNode, error) {
	return ns.nodes, nil
}

func (ns *listNamingService) Watch(cb WatchCallback) {
	<-ns.c
}

func (ns *listNamingService) Stop() {
	ns.once.Do(func() { close(ns.c) })
}

func registerBuiltinNamingServices() {
	RegisterNamingService("list", newListNamingService)
	RegisterNamingService("etcd", newEtcdNamingService)
	RegisterNamingService("consul", newConsulNamingService)
}
