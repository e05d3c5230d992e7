// Package ioreq implements the I/O-request channel (spec component C7):
// the shared-page slot protocol between the hypervisor and a Service VM
// side, the Free→Pending→Processing→Complete→Free state machine with
// acquire/release ordering, and the bounded async-IO fast path. It
// generalizes the teacher's direct, synchronous virtual_machine.go
// HandleIO/HandleMMIO dispatch into the full slot-based protocol spec.md
// §4.7/§6 specifies.
package ioreq

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"partitionhv/internal/hverr"
)

// dirIn mirrors kvmapi.IODirIn without importing internal/kvmapi (which
// would create an import cycle back through vcpu); Request.Direction is
// documented to carry the same convention.
const dirIn uint8 = 0

// NumSlots is the fixed shared-page slot count spec.md §6 names.
const NumSlots = 16

// SlotState is the Free/Pending/Processing/Complete cycle from spec.md
// §4.7, backed by an atomic so producer (vCPU exit handler) and consumer
// (Service VM-side dispatcher) can hand a slot off without a mutex.
type SlotState int32

const (
	StateFree SlotState = iota
	StatePending
	StateProcessing
	StateComplete
)

// RequestType distinguishes PIO/MMIO/PCI-config requests, per spec.md §6.
type RequestType int

const (
	RequestPIO RequestType = iota
	RequestMMIO
	RequestPCICfg
)

// Request is one shared-page slot's payload.
type Request struct {
	Type      RequestType
	Direction uint8 // kvmapi.IODirIn / IODirOut
	Address   uint64
	Size      uint8
	Count     uint32
	Data      [8]byte
}

// Slot is one shared-page I/O-request slot with atomic state transitions.
type Slot struct {
	state atomic.Int32
	req   Request
}

func (s *Slot) loadState() SlotState { return SlotState(s.state.Load()) }

// storeRelease publishes the slot's new state with release semantics:
// everything written to Request before it becomes visible to whoever
// observes the new state through loadState. atomic.Int32's Load/Store
// already implement acquire/release on every supported Go platform; these
// wrappers exist to name the operation spec.md calls out explicitly.
func (s *Slot) storeRelease(v SlotState) { s.state.Store(int32(v)) }

// Channel is the fixed 16-slot shared "page" plus the bounded semaphore
// gating the optional async-IO fast path from spec.md §6.
type Channel struct {
	slots   [NumSlots]Slot
	asyncIO *semaphore.Weighted
}

// New creates a Channel whose async-IO fast path admits at most
// maxInFlight concurrent dispatches, bounding how much work a misbehaving
// Service VM side can queue.
func New(maxInFlight int64) *Channel {
	return &Channel{asyncIO: semaphore.NewWeighted(maxInFlight)}
}

// InsertRequest finds a Free slot, populates it, and marks it Pending.
// Returns ErrUnsupported if every slot is currently in flight — spec.md's
// 16-slot bound is fixed, not grown on demand.
func (c *Channel) InsertRequest(req Request) (int, error) {
	for i := range c.slots {
		s := &c.slots[i]
		if s.loadState() == StateFree {
			s.req = req
			s.storeRelease(StatePending)
			return i, nil
		}
	}
	return -1, hverr.Unsupported("ioreq: no free slot (all %d in use)", NumSlots)
}

// Claim transitions a Pending slot to Processing for the dispatching side,
// returning its request. ErrConflict if the slot was not Pending.
func (c *Channel) Claim(slot int) (Request, error) {
	s := &c.slots[slot]
	if s.loadState() != StatePending {
		return Request{}, hverr.Conflict("ioreq: slot %d not pending", slot)
	}
	s.storeRelease(StateProcessing)
	return s.req, nil
}

// Complete writes the result back into the slot and marks it Complete.
func (c *Channel) Complete(slot int, result Request) error {
	s := &c.slots[slot]
	if s.loadState() != StateProcessing {
		return hverr.Conflict("ioreq: slot %d not processing", slot)
	}
	s.req = result
	s.storeRelease(StateComplete)
	return nil
}

// Release transitions a Complete slot back to Free, returning its final
// request payload to the original caller (the vCPU exit handler waiting
// on it).
func (c *Channel) Release(slot int) (Request, error) {
	s := &c.slots[slot]
	if s.loadState() != StateComplete {
		return Request{}, hverr.Conflict("ioreq: slot %d not complete", slot)
	}
	req := s.req
	s.storeRelease(StateFree)
	return req, nil
}

// WaitComplete cooperatively polls slot until it reaches Complete or ctx
// ends, standing in for spec.md's "synchronous polling vs vCPU parking"
// choice: callers needing true parking can select on a channel fed by this
// from a dedicated goroutine instead.
func (c *Channel) WaitComplete(ctx context.Context, slot int) error {
	for {
		if c.slots[slot].loadState() == StateComplete {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// DispatchAsync runs fn under the bounded async-IO admission semaphore,
// implementing the optional async-IO ring's backpressure contract from
// spec.md §6 without requiring the caller to manage the ring buffer
// itself.
func (c *Channel) DispatchAsync(ctx context.Context, fn func() error) error {
	if err := c.asyncIO.Acquire(ctx, 1); err != nil {
		return hverr.Unsupported("ioreq: async-IO admission: %w", err)
	}
	defer c.asyncIO.Release(1)
	return fn()
}

// Responder services a claimed request — the Service-VM-side half of the
// protocol spec.md §4.7 describes. The vCPU-side handler populates Request
// before InsertRequest; Respond mutates it in place (Data, for a read) to
// carry the result back across Complete/Release.
type Responder interface {
	Respond(req *Request) error
}

// DefaultResponder implements spec.md's "unclaimed access" fallback: reads
// come back all-ones, writes are silently discarded. It is what a Channel
// falls back to servicing requests with when nothing more specific (a real
// emulated device, proxied through the queue instead of a direct Go call)
// has registered for the address range.
type DefaultResponder struct{}

func (DefaultResponder) Respond(req *Request) error {
	if req.Direction == dirIn {
		for i := range req.Data {
			req.Data[i] = 0xFF
		}
	}
	return nil
}

// RunDispatcher claims every Pending slot as it appears, hands it to r, and
// completes the slot once r.Respond returns, the Service-VM-side consumer
// loop spec.md §4.7's slot protocol assumes is running opposite the vCPU
// threads inserting requests. It runs until ctx is cancelled, mirroring the
// per-entity softirq-worker shape internal/ptirq.Table.Run uses for its own
// deferred-delivery loop.
func (c *Channel) RunDispatcher(ctx context.Context, r Responder) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		serviced := false
		for i := range c.slots {
			if c.slots[i].loadState() != StatePending {
				continue
			}
			req, err := c.Claim(i)
			if err != nil {
				continue
			}
			serviced = true
			if err := r.Respond(&req); err != nil {
				return err
			}
			if err := c.Complete(i, req); err != nil {
				return err
			}
		}
		if !serviced {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// ClassifyExit decides PIO vs MMIO vs PCI-config for an ambiguous VM-exit
// qualification. This is the resolution named in spec.md §9's second Open
// Question: dm_emulate_mmio_pre's source has an unreferenced
// (exit_qual & 0x38) == 0x28 check that looked like it intended to special
// case write-protection faults, but nothing in the surrounding code ever
// reads the result. Rather than inventing WP semantics, any qualification
// this function cannot positively classify as PIO or PCI-config falls
// through to MMIO, exactly as the source's control flow does in practice.
func ClassifyExit(isIO, isPCICfg bool) RequestType {
	switch {
	case isIO:
		return RequestPIO
	case isPCICfg:
		return RequestPCICfg
	default:
		return RequestMMIO
	}
}
