package brpc

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ConnectionType is the transport-sharing discipline of a call. The values
// form a bitmask so a Protocol can declare every discipline it supports.
type ConnectionType int

const (
	ConnTypeUnknown ConnectionType = 0
	ConnTypeSingle  ConnectionType = 1
	ConnTypePooled  ConnectionType = 2
	ConnTypeShort   ConnectionType = 4
)

func (ct ConnectionType) String() string {
	switch ct {
	case ConnTypeSingle:
		return "single"
	case ConnTypePooled:
		return "pooled"
	case ConnTypeShort:
		return "short"
	case ConnTypeUnknown:
		return "unknown"
	}
	return "mixed"
}

// ParseConnectionType accepts the names used in configuration files. An
// empty string maps to unknown (auto-select), anything else unrecognized is
// an error the caller may choose to remember and fall back from.
func ParseConnectionType(name string) (ConnectionType, error) {
	switch strings.ToLower(name) {
	case "":
		return ConnTypeUnknown, nil
	case "single":
		return ConnTypeSingle, nil
	case "pooled":
		return ConnTypePooled, nil
	case "short":
		return ConnTypeShort, nil
	}
	return ConnTypeUnknown, errors.Wrapf(ErrConnectionType, "%q", name)
}

// MethodDescriptor names a remote method. Protocols that address methods
// differently (e.g. by numeric command) may be called with a nil descriptor.
type MethodDescriptor struct {
	ServiceName string
	MethodName  string
}

func (m *MethodDescriptor) FullName() string {
	if m.ServiceName == "" {
		return m.MethodName
	}
	return m.ServiceName + "." + m.MethodName
}

// Protocol is the operation vector consumed by Channel. SerializeRequest and
// PackRequest split the write path so that retries and backup requests reuse
// the serialized body and only re-pack the call metadata.
type Protocol struct {
	Name              string
	SupportClient     bool
	SupportedConnType ConnectionType // bitmask

	SerializeRequest func(cntl *Controller, request interface{}) ([]byte, error)
	PackRequest      func(reqBuf []byte, cntl *Controller, cid CallId,
		method *MethodDescriptor, auth Authenticator) ([]byte, error)

	// optional hooks
	GetMethodName      func(method *MethodDescriptor, cntl *Controller) string
	ParseServerAddress func(addr string) (Endpoint, bool)

	// UnpackResponse materializes the response sink from the payload the
	// transport delivered against the call's correlation slot.
	UnpackResponse func(payload []byte, cntl *Controller) error
}

var protocolRegistry = struct {
	mu    sync.RWMutex
	byName map[string]*Protocol
	order  []string // registration order, drives preferred_index
}{byName: make(map[string]*Protocol)}

func RegisterProtocol(p *Protocol) error {
	if p == nil || p.Name == "" {
		return errors.Wrap(ErrProtocolUnknown, "nil or unnamed protocol")
	}
	protocolRegistry.mu.Lock()
	defer protocolRegistry.mu.Unlock()
	if _, ok := protocolRegistry.byName[p.Name]; ok {
		return errors.Errorf("brpc: protocol %q is already registered", p.Name)
	}
	protocolRegistry.byName[p.Name] = p
	protocolRegistry.order = append(protocolRegistry.order, p.Name)
	return nil
}

func FindProtocol(name string) *Protocol {
	protocolRegistry.mu.RLock()
	defer protocolRegistry.mu.RUnlock()
	return protocolRegistry.byName[name]
}

// findProtocolIndex is the client messenger's position of a protocol in its
// parse table; sockets try the preferred protocol first when parsing input.
func findProtocolIndex(name string) int {
	protocolRegistry.mu.RLock()
	defer protocolRegistry.mu.RUnlock()
	for i, n := range protocolRegistry.order {
		if n == name {
			return i
		}
	}
	return -1
}
