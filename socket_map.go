package brpc

import (
	"sync"

	"github.com/pkg/errors"
)

// The socket map interns endpoints process-wide so that channels (and the
// naming layer) targeting the same server share one Socket. Insertions are
// reference-counted; the socket dies when the last holder removes it.

type socketMapEntry struct {
	sock *Socket
	ref  int
}

var socketMap = struct {
	mu     sync.Mutex
	byAddr map[Endpoint]*socketMapEntry
	byId   map[SocketId]*Socket
	nextId SocketId
}{
	byAddr: make(map[Endpoint]*socketMapEntry),
	byId:   make(map[SocketId]*Socket),
	nextId: 1,
}

func SocketMapInsert(ep Endpoint) (SocketId, error) {
	if ep.Host == "" {
		return InvalidSocketId, errors.Wrap(ErrSocketMapInsert, "empty host")
	}
	socketMap.mu.Lock()
	defer socketMap.mu.Unlock()
	if e, ok := socketMap.byAddr[ep]; ok {
		e.ref++
		return e.sock.id, nil
	}
	id := socketMap.nextId
	socketMap.nextId++
	sock := newSocket(id, ep, globalConfig.PooledConnPerEP)
	socketMap.byAddr[ep] = &socketMapEntry{sock: sock, ref: 1}
	socketMap.byId[id] = sock
	return id, nil
}

func SocketMapRemove(ep Endpoint) {
	socketMap.mu.Lock()
	e, ok := socketMap.byAddr[ep]
	if ok {
		e.ref--
		if e.ref > 0 {
			socketMap.mu.Unlock()
			return
		}
		delete(socketMap.byAddr, ep)
		delete(socketMap.byId, e.sock.id)
	}
	socketMap.mu.Unlock()
	if ok {
		e.sock.Close()
	}
}

// SocketAddress resolves an interned id back to its socket, failing for ids
// that were removed.
func SocketAddress(id SocketId) (*Socket, error) {
	socketMap.mu.Lock()
	defer socketMap.mu.Unlock()
	sock, ok := socketMap.byId[id]
	if !ok {
		return nil, errors.Errorf("brpc: socket %d does not exist", id)
	}
	return sock, nil
}

func socketMapRefCount(ep Endpoint) int {
	socketMap.mu.Lock()
	defer socketMap.mu.Unlock()
	if e, ok := socketMap.byAddr[ep]; ok {
		return e.ref
	}
	return 0
}
