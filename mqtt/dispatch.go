package mqtt

import (
	"sync"
	"sync/atomic"
)

// PublishCopy is one fanned-out delivery of a single broker Publish to one
// in-process receiver. Ack must be called (directly, or via a deferred
// call) exactly once per copy; failing to call it at all leaks a plenary
// ack member forever and the broker ack for that publish never fires.
type PublishCopy struct {
	Message Message
	ack     *AckMember
}

// Ack settles this copy. Safe to call multiple times; only the first call
// counts.
func (c PublishCopy) Ack() {
	if c.ack != nil {
		c.ack.Ack()
	}
}

// Receiver is an in-process subscriber handle created by
// CreateFilteredReceiver or CreateUnfilteredReceiver. Publishes matching
// the receiver arrive on C; closing Unregister stops further delivery and
// lets the dispatcher prune the receiver's channel.
type Receiver struct {
	C          <-chan PublishCopy
	ch         chan PublishCopy
	filter     string // empty for an unfiltered receiver
	filtered   bool
	dispatcher *Dispatcher
	isClosed   atomic.Bool
}

// Unregister closes the receiver's channel and removes it from the
// dispatcher's registry at once. Closed receivers that are still found in
// a filter bucket are also swept on the next CreateFilteredReceiver call.
func (r *Receiver) Unregister() {
	r.dispatcher.unregister(r)
}

// Dispatcher is the Incoming-Publish Dispatcher: it fans a single broker
// delivery out to every in-process receiver whose subscription covers the
// topic, and guarantees the broker-visible ack for that delivery fires
// only once every fanned-out copy has settled, with acks emitted on the
// wire in broker-delivery order regardless of settlement order.
type Dispatcher struct {
	mu       sync.Mutex
	filtered map[string][]*Receiver
	unfiltered []*Receiver

	acker       *OrderedAcker
	inFlightPKIDs map[uint16]struct{}
	pkidQoS     map[uint16]uint8

	emitPuback func(pkid uint16)
	emitPubrec func(pkid uint16)
}

// NewDispatcher constructs a Dispatcher that emits acks via emitPuback
// (QoS 1) / emitPubrec (QoS 2) once each publish's plenary ack fires, in
// broker-delivery order.
func NewDispatcher(emitPuback, emitPubrec func(pkid uint16)) *Dispatcher {
	d := &Dispatcher{
		filtered:      make(map[string][]*Receiver),
		inFlightPKIDs: make(map[uint16]struct{}),
		pkidQoS:       make(map[uint16]uint8),
		emitPuback:    emitPuback,
		emitPubrec:    emitPubrec,
	}
	d.acker = NewOrderedAcker(d.emit)
	return d
}

func (d *Dispatcher) emit(pkid uint16) {
	d.mu.Lock()
	qos := d.pkidQoS[pkid]
	delete(d.pkidQoS, pkid)
	delete(d.inFlightPKIDs, pkid)
	d.mu.Unlock()

	switch qos {
	case 1:
		d.emitPuback(pkid)
	case 2:
		d.emitPubrec(pkid)
	}
}

// CreateFilteredReceiver registers a new receiver for topic filter. Also
// sweeps every filter bucket for closed receivers (those whose channel
// send would block forever because Unregister already ran), amortising
// cleanup across registrations.
func (d *Dispatcher) CreateFilteredReceiver(filter string) *Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneFilteredLocked()

	ch := make(chan PublishCopy, 64)
	r := &Receiver{C: ch, ch: ch, filter: filter, filtered: true, dispatcher: d}
	d.filtered[filter] = append(d.filtered[filter], r)
	return r
}

// CreateUnfilteredReceiver registers a receiver that sees every message
// not claimed by any filtered receiver.
func (d *Dispatcher) CreateUnfilteredReceiver() *Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan PublishCopy, 64)
	r := &Receiver{C: ch, ch: ch, dispatcher: d}
	d.unfiltered = append(d.unfiltered, r)
	return r
}

func (d *Dispatcher) unregister(r *Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !r.isClosed.CompareAndSwap(false, true) {
		return
	}
	close(r.ch)

	if r.filtered {
		list := d.filtered[r.filter]
		for i, cand := range list {
			if cand == r {
				d.filtered[r.filter] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(d.filtered[r.filter]) == 0 {
			delete(d.filtered, r.filter)
		}
		return
	}
	for i, cand := range d.unfiltered {
		if cand == r {
			d.unfiltered = append(d.unfiltered[:i], d.unfiltered[i+1:]...)
			break
		}
	}
}

// pruneFilteredLocked removes receivers whose channel has been closed
// (already unregistered) from every filter bucket. Callers must hold d.mu.
func (d *Dispatcher) pruneFilteredLocked() {
	for filter, list := range d.filtered {
		live := list[:0]
		for _, r := range list {
			if !r.isClosed.Load() {
				live = append(live, r)
			}
		}
		if len(live) == 0 {
			delete(d.filtered, filter)
		} else {
			d.filtered[filter] = live
		}
	}
}

// CreateFilteredReceiver registers a receiver that sees every incoming
// publish whose topic matches filter, fed by the client's internal
// dispatcher. This is the manual-ack counterpart to Subscribe's
// callback-style handlers, and is what the RPC core (invoker and
// executor) builds on.
func (c *Client) CreateFilteredReceiver(filter string) *Receiver {
	return c.dispatcher.CreateFilteredReceiver(filter)
}

// CreateUnfilteredReceiver registers a receiver that sees every incoming
// publish not claimed by any filtered receiver.
func (c *Client) CreateUnfilteredReceiver() *Receiver {
	return c.dispatcher.CreateUnfilteredReceiver()
}

// DispatchPublish fans msg out to every matching receiver and returns the
// plenary ack governing the wire ack for this delivery, or nil for QoS 0
// (which needs no ack bookkeeping at all). Callers with qos > 0 are
// expected to have already checked IsDuplicateInFlight(pkid) and skipped
// the call entirely when it reports true (spec step 2: "discard
// silently").
func (d *Dispatcher) DispatchPublish(qos uint8, pkid uint16, msg Message) *PlenaryAck {
	var plenary *PlenaryAck
	if qos > 0 {
		d.mu.Lock()
		d.inFlightPKIDs[pkid] = struct{}{}
		d.pkidQoS[pkid] = qos
		d.mu.Unlock()
		d.acker.Register(pkid)
		plenary = NewPlenaryAck(func() { d.acker.Ready(pkid) })
	}

	delivered := d.dispatchFiltered(msg, plenary)
	if !delivered {
		d.dispatchUnfiltered(msg, plenary)
	}

	if plenary != nil {
		plenary.Commence()
	}
	return plenary
}

// IsDuplicateInFlight reports whether pkid is currently awaiting ack —
// used by the caller to implement wire-layer duplicate suppression
// (spec step 2) before ever calling DispatchPublish.
func (d *Dispatcher) IsDuplicateInFlight(pkid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlightPKIDs[pkid]
	return ok
}

func (d *Dispatcher) dispatchFiltered(msg Message, plenary *PlenaryAck) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := false
	for filter, list := range d.filtered {
		if !MatchTopic(filter, msg.Topic) {
			continue
		}
		live := list[:0]
		for _, r := range list {
			if r.isClosed.Load() {
				continue // drop closed receiver from the live slice
			}
			live = append(live, r)
			if d.sendCopy(r, msg, plenary) {
				delivered = true
			}
		}
		if len(live) == 0 {
			delete(d.filtered, filter)
		} else {
			d.filtered[filter] = live
		}
	}
	return delivered
}

func (d *Dispatcher) dispatchUnfiltered(msg Message, plenary *PlenaryAck) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := d.unfiltered[:0]
	for _, r := range d.unfiltered {
		if r.isClosed.Load() {
			continue
		}
		live = append(live, r)
		d.sendCopy(r, msg, plenary)
	}
	d.unfiltered = live
}

// sendCopy delivers one copy to r, registering an ack member on plenary
// (if non-nil, i.e. QoS > 0) before sending so the member count is
// correct before Commence is ever called.
func (d *Dispatcher) sendCopy(r *Receiver, msg Message, plenary *PlenaryAck) bool {
	copy := PublishCopy{Message: msg}
	if plenary != nil {
		copy.ack = plenary.CreateMember()
	}
	select {
	case r.ch <- copy:
		return true
	default:
		// Unbounded-in-spirit receiver channel is momentarily full;
		// the network must never block on application consumption, so
		// drop this copy rather than stall dispatch, settling its ack
		// member immediately so the plenary ack is not stuck forever.
		if copy.ack != nil {
			copy.ack.Ack()
		}
		return false
	}
}
