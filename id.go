package brpc

import (
	"sync"

	"github.com/hunyxv/utils/spinlock"
)

// CallId addresses one version of a correlation slot: the high 32 bits index
// the slot arena, the low 32 bits are a version inside the slot. Locking a
// slot for a call reserves the version range [v, v+2+max_retry); attempt i
// is addressed as v+1+i while the base version v addresses the call as a
// whole (timers post against it). Anything outside the live range is stale
// and dropped at the registry.
type CallId uint64

const InvalidCallId CallId = 0

func makeCallId(index, version uint32) CallId {
	return CallId(uint64(index)<<32 | uint64(version))
}

func (id CallId) slotIndex() uint32 { return uint32(id >> 32) }
func (id CallId) version() uint32   { return uint32(id) }

// add returns the id addressing a later version of the same slot.
func (id CallId) add(n uint32) CallId {
	return makeCallId(id.slotIndex(), id.version()+n)
}

// idEvent is what completes (or advances) a call: an errno and, for
// successful responses, the raw payload the transport received.
type idEvent struct {
	errno   Errno
	payload []byte
}

// idEventHandler runs with the slot logically locked and must finish by
// unlocking or destroying it.
type idEventHandler func(id CallId, cntl *Controller, ev idEvent)

type pendingEvent struct {
	ver uint32
	ev  idEvent
}

type idSlot struct {
	lock      sync.Locker
	data      *Controller
	onEvent   idEventHandler
	firstVer  uint32
	rangeSize uint32
	locked    bool
	destroyed bool
	pending   []pendingEvent
	joinCh    chan struct{}
}

func (s *idSlot) validVersion(ver uint32) bool {
	return !s.destroyed && ver >= s.firstVer && ver-s.firstVer < s.rangeSize
}

type idRegistry struct {
	mu    sync.RWMutex
	slots []*idSlot
	free  []uint32
}

var callIds = &idRegistry{}

func (r *idRegistry) slotOf(id CallId) *idSlot {
	idx := id.slotIndex()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx == 0 || int(idx) >= len(r.slots) {
		return nil
	}
	return r.slots[idx]
}

// newCallId allocates a slot (version continues across reuse so stale ids
// from a previous owner can never address the new one).
func (r *idRegistry) newCallId(cntl *Controller, h idEventHandler) CallId {
	r.mu.Lock()
	if len(r.slots) == 0 {
		r.slots = append(r.slots, nil) // index 0 is never a live slot
	}
	var idx uint32
	var s *idSlot
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
		s = r.slots[idx]
	} else {
		s = &idSlot{lock: spinlock.NewSpinLock(), firstVer: 1}
		r.slots = append(r.slots, s)
		idx = uint32(len(r.slots) - 1)
	}
	r.mu.Unlock()

	s.lock.Lock()
	s.data = cntl
	s.onEvent = h
	s.rangeSize = 1
	s.locked = false
	s.destroyed = false
	s.pending = nil
	s.joinCh = make(chan struct{})
	ver := s.firstVer
	s.lock.Unlock()
	return makeCallId(idx, ver)
}

// lockAndResetRange reserves rng versions starting at the slot's first live
// version and leaves the slot locked. EINVAL means the slot was destroyed:
// the owner reused a Controller without Reset, or the call was cancelled.
func (r *idRegistry) lockAndResetRange(id CallId, rng int) Errno {
	s := r.slotOf(id)
	if s == nil {
		return EINVAL
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.validVersion(id.version()) {
		return EINVAL
	}
	if rng > 0 {
		s.rangeSize = uint32(rng)
	}
	s.locked = true
	return OK
}

// postEvent delivers an event against one version of a slot. Stale versions
// are dropped. While the slot is locked the event queues; unlock drains it.
func (r *idRegistry) postEvent(id CallId, ev idEvent) {
	s := r.slotOf(id)
	if s == nil {
		return
	}
	s.lock.Lock()
	if !s.validVersion(id.version()) {
		s.lock.Unlock()
		return
	}
	if s.locked {
		s.pending = append(s.pending, pendingEvent{ver: id.version(), ev: ev})
		s.lock.Unlock()
		return
	}
	s.locked = true
	data, h := s.data, s.onEvent
	s.lock.Unlock()
	h(id, data, ev)
}

// unlock releases the slot, dispatching one queued event if any survived the
// version checks. The dispatched handler ends with its own unlock, which
// drains the next event in turn.
func (r *idRegistry) unlock(id CallId) {
	s := r.slotOf(id)
	if s == nil {
		return
	}
	for {
		s.lock.Lock()
		if s.destroyed || id.version() < s.firstVer {
			s.lock.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.locked = false
			s.lock.Unlock()
			return
		}
		pe := s.pending[0]
		s.pending = s.pending[1:]
		if !s.validVersion(pe.ver) {
			s.lock.Unlock()
			continue
		}
		data, h := s.data, s.onEvent
		s.lock.Unlock()
		h(makeCallId(id.slotIndex(), pe.ver), data, pe.ev)
		return
	}
}

// unlockAndDestroy ends the slot's current life: every outstanding version
// becomes stale, joiners wake up, the slot returns to the free list.
func (r *idRegistry) unlockAndDestroy(id CallId) {
	s := r.slotOf(id)
	if s == nil {
		return
	}
	s.lock.Lock()
	if s.destroyed || id.version() < s.firstVer {
		s.lock.Unlock()
		return
	}
	s.destroyed = true
	s.firstVer += s.rangeSize
	s.rangeSize = 1
	s.locked = false
	s.pending = nil
	s.data = nil
	s.onEvent = nil
	ch := s.joinCh
	s.joinCh = nil
	s.lock.Unlock()

	if ch != nil {
		close(ch)
	}
	r.mu.Lock()
	r.free = append(r.free, id.slotIndex())
	r.mu.Unlock()
}

// join blocks until the slot life addressed by id is destroyed. Returns
// immediately for stale or destroyed ids.
func (r *idRegistry) join(id CallId) {
	s := r.slotOf(id)
	if s == nil {
		return
	}
	s.lock.Lock()
	if s.destroyed || id.version() < s.firstVer {
		s.lock.Unlock()
		return
	}
	ch := s.joinCh
	s.lock.Unlock()
	if ch != nil {
		<-ch
	}
}

// Join blocks until the call identified by id completes. The synchronous
// arm of CallMethod builds on it.
func Join(id CallId) {
	callIds.join(id)
}
