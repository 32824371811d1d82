package mqtt

import "sync/atomic"

// PlenaryAck is a refcounted ack handle: a single logical acknowledgement
// (of one broker-delivered publish) that must not fire until every
// dispatched copy of that publish has been independently settled.
//
// Construction creates an inner shared state with members = 0, commenced
// = false, settled = 0. Each CreateMember returns a handle and increments
// members. Only a member's Ack increments settled; a member that is
// dropped without ever calling Ack is never counted, so the ack does not
// fire. Once Commence has been called and settled equals
// members, onComplete fires exactly once. Before Commence, settlements
// accumulate but nothing fires — this lets the dispatcher finish
// registering every receiver before any ack can go out.
type PlenaryAck struct {
	members   int64
	settled   int64
	commenced atomic.Bool
	fired     atomic.Bool
	onComplete func()
}

// NewPlenaryAck constructs a PlenaryAck that calls onComplete exactly once,
// once every created member has settled and Commence has been called.
func NewPlenaryAck(onComplete func()) *PlenaryAck {
	return &PlenaryAck{onComplete: onComplete}
}

// AckMember is one dispatched copy's settlement handle.
type AckMember struct {
	parent  *PlenaryAck
	settled atomic.Bool
}

// CreateMember registers a new dispatched copy. Panics if called after
// Commence, since no more members may be created once the ack future has
// started — this mirrors the construction-time registration window the
// dispatcher relies on.
func (p *PlenaryAck) CreateMember() *AckMember {
	if p.commenced.Load() {
		panic("mqtt: PlenaryAck.CreateMember called after Commence")
	}
	atomic.AddInt64(&p.members, 1)
	return &AckMember{parent: p}
}

// Ack settles this member. Idempotent: calling it more than once counts
// only once against the parent refcount. A member that is garbage
// collected without Ack having been called is not settled (there is no
// finalizer), so the parent never fires.
func (m *AckMember) Ack() {
	if !m.settled.CompareAndSwap(false, true) {
		return
	}
	m.parent.settle()
}

func (p *PlenaryAck) settle() {
	newSettled := atomic.AddInt64(&p.settled, 1)
	p.maybeFire(newSettled)
}

// Commence makes the ack future eligible to fire. If every member created
// so far has already settled, it fires immediately.
func (p *PlenaryAck) Commence() {
	p.commenced.Store(true)
	p.maybeFire(atomic.LoadInt64(&p.settled))
}

func (p *PlenaryAck) maybeFire(settled int64) {
	if !p.commenced.Load() {
		return
	}
	if settled < atomic.LoadInt64(&p.members) {
		return
	}
	if p.fired.CompareAndSwap(false, true) {
		if p.onComplete != nil {
			p.onComplete()
		}
	}
}
