package lapic

import "testing"

func TestDeliverAndNextVectorRoundTrip(t *testing.T) {
	l := New(0)
	l.Deliver(0x30, false)
	if !l.HasPendingInterrupt() {
		t.Fatal("expected a pending interrupt after Deliver")
	}
	vec, ok := l.NextVector()
	if !ok || vec != 0x30 {
		t.Fatalf("NextVector = (%#x, %v), want (0x30, true)", vec, ok)
	}
	if l.HasPendingInterrupt() {
		t.Fatal("vector should have moved out of IRR into ISR")
	}
}

func TestEOIClearsHighestInServiceVector(t *testing.T) {
	l := New(0)
	l.Deliver(0x40, false)
	l.NextVector()
	vec, ok := l.EOI()
	if !ok || vec != 0x40 {
		t.Fatalf("EOI = (%#x, %v), want (0x40, true)", vec, ok)
	}
	if _, ok := l.EOI(); ok {
		t.Fatal("expected no further in-service vector")
	}
}

func TestHandleMMIOICRLowDeliversToDestination(t *testing.T) {
	src, dst := New(0), New(1)
	src.SetComplex([]*LAPIC{src, dst})

	write32 := func(offset uint32, val uint32) {
		buf := make([]byte, 4)
		putLE32(buf, val)
		if err := src.HandleMMIO(BaseAddress+uint64(offset), buf, true); err != nil {
			t.Fatalf("write offset %#x: %v", offset, err)
		}
	}
	write32(regICRHigh, uint32(dst.ID())<<24)
	write32(regICRLow, uint32(0x22)) // vector 0x22, fixed delivery

	if !dst.HasPendingInterrupt() {
		t.Fatal("expected the destination LAPIC to have a pending interrupt")
	}
	vec, ok := dst.NextVector()
	if !ok || vec != 0x22 {
		t.Fatalf("destination NextVector = (%#x, %v), want (0x22, true)", vec, ok)
	}
}

func TestHandleMMIOOutsidePageIsUnsupported(t *testing.T) {
	l := New(0)
	buf := make([]byte, 4)
	if err := l.HandleMMIO(0, buf, false); err == nil {
		t.Fatal("expected an error for an address outside the xAPIC page")
	}
}

func TestMSRHandlerICRRoundTrip(t *testing.T) {
	src, dst := New(0), New(2)
	src.SetComplex([]*LAPIC{src, dst})
	h := MSRHandler{Self: src}

	icr := uint64(dst.ID())<<32 | uint64(0x33)
	if err := h.Write(0x830, icr); err != nil {
		t.Fatalf("x2APIC ICR write: %v", err)
	}
	if !dst.HasPendingInterrupt() {
		t.Fatal("expected destination to have a pending interrupt via x2APIC ICR write")
	}
}

func TestMSRHandlerEOIBroadcasts(t *testing.T) {
	l := New(0)
	var got uint8
	var called bool
	l.SetEOIHandler(func(vector uint8) {
		called = true
		got = vector
	})
	l.Deliver(0x44, true)
	l.NextVector()

	h := MSRHandler{Self: l}
	if err := h.Write(0x80B, 0); err != nil { // x2APIC EOI register (0x800+0xB)
		t.Fatalf("x2APIC EOI write: %v", err)
	}
	if !called || got != 0x44 {
		t.Fatalf("expected EOI broadcast for vector 0x44, got called=%v vector=%#x", called, got)
	}
}

func TestSetModeRoundTrip(t *testing.T) {
	l := New(0)
	if l.Mode() != ModeXAPIC {
		t.Fatalf("expected ModeXAPIC at reset, got %v", l.Mode())
	}
	l.SetMode(ModeX2APIC)
	if l.Mode() != ModeX2APIC {
		t.Fatalf("expected ModeX2APIC after SetMode, got %v", l.Mode())
	}
}
