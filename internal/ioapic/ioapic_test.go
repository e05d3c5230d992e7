package ioapic

import "testing"

type fakeRouter struct {
	asserts []assertion
}

type assertion struct {
	vector, destination, destMode, deliveryMode uint8
	level                                        bool
}

func (r *fakeRouter) Assert(vector, destination, destMode, deliveryMode uint8, level bool) {
	r.asserts = append(r.asserts, assertion{vector, destination, destMode, deliveryMode, level})
}

func writeReg(t *testing.T, d *Device, reg uint8, val uint32) {
	t.Helper()
	if err := d.HandleMMIO(BaseAddress+regSelectOffset, []byte{reg}, true); err != nil {
		t.Fatalf("select register 0x%x: %v", reg, err)
	}
	buf := make([]byte, 4)
	putLE32(buf, val)
	if err := d.HandleMMIO(BaseAddress+regWindowOffset, buf, true); err != nil {
		t.Fatalf("write window for register 0x%x: %v", reg, err)
	}
}

func readReg(t *testing.T, d *Device, reg uint8) uint32 {
	t.Helper()
	if err := d.HandleMMIO(BaseAddress+regSelectOffset, []byte{reg}, true); err != nil {
		t.Fatalf("select register 0x%x: %v", reg, err)
	}
	buf := make([]byte, 4)
	if err := d.HandleMMIO(BaseAddress+regWindowOffset, buf, false); err != nil {
		t.Fatalf("read window for register 0x%x: %v", reg, err)
	}
	return le32(buf)
}

func TestAllPinsMaskedOnReset(t *testing.T) {
	d := New(nil)
	for i := 0; i < NumPins; i++ {
		if !d.pins[i].entry.masked() {
			t.Fatalf("pin %d should be masked at reset", i)
		}
	}
}

func TestUnmaskingEdgePinAssertsImmediately(t *testing.T) {
	r := &fakeRouter{}
	d := New(r)

	low := uint32(0x41) // vector 0x41, edge triggered, unmasked
	writeReg(t, d, redirBase+0, low)
	writeReg(t, d, redirBase+1, 0)

	if err := d.SetIRQ(0, true); err != nil {
		t.Fatal(err)
	}
	if len(r.asserts) != 1 || r.asserts[0].vector != 0x41 {
		t.Fatalf("expected one assert with vector 0x41, got %+v", r.asserts)
	}
}

func TestLevelPinHoldsRemoteIRRUntilEOI(t *testing.T) {
	r := &fakeRouter{}
	d := New(r)

	// vector 0x50, level triggered (bit 15), unmasked
	low := uint32(0x50) | 1<<15
	writeReg(t, d, redirBase+2, low)
	writeReg(t, d, redirBase+3, 0)

	d.SetIRQ(1, true)
	if len(r.asserts) != 1 {
		t.Fatalf("expected one assert, got %d", len(r.asserts))
	}
	if !d.pins[1].entry.remoteIRR() {
		t.Fatal("expected remote-IRR set for level pin after assert")
	}

	// Re-asserting while remote-IRR is set must not re-deliver.
	d.pins[1].lineLevel = false
	d.SetIRQ(1, true)
	if len(r.asserts) != 1 {
		t.Fatal("level pin should not re-deliver while remote-IRR is held")
	}

	// Drop the line first: a level pin still asserted at EOI is re-delivered
	// at once, which sets remote-IRR again.
	d.SetIRQ(1, false)
	d.HandleEOI(0x50)
	if d.pins[1].entry.remoteIRR() {
		t.Fatal("EOI should clear remote-IRR")
	}
}

func TestMaskChangeNotifier(t *testing.T) {
	var got []bool
	d := New(nil)
	d.SetNotifier(maskNotifierFunc(func(pin int, masked bool) {
		got = append(got, masked)
	}))

	writeReg(t, d, redirBase+4, 0x20) // unmask pin 2
	writeReg(t, d, redirBase+5, 0)
	writeReg(t, d, redirBase+4, 0x20|1<<16) // mask it again

	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Fatalf("expected unmask then mask notifications, got %+v", got)
	}
}

type maskNotifierFunc func(pin int, masked bool)

func (f maskNotifierFunc) NotifyMaskChange(pin int, masked bool) { f(pin, masked) }

func TestMultiNotifierFansOutToEveryObserver(t *testing.T) {
	var a, b []bool
	n := MultiNotifier{
		maskNotifierFunc(func(pin int, masked bool) { a = append(a, masked) }),
		maskNotifierFunc(func(pin int, masked bool) { b = append(b, masked) }),
	}
	n.NotifyMaskChange(0, false)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected both observers notified once, got a=%v b=%v", a, b)
	}
}

func TestProgramRedirectionLeavesPinMasked(t *testing.T) {
	d := New(nil)
	if err := d.ProgramRedirection(3, 0x60, 2, true); err != nil {
		t.Fatalf("ProgramRedirection: %v", err)
	}
	if !d.pins[3].entry.masked() {
		t.Fatal("ProgramRedirection should leave the pin masked")
	}
	if d.pins[3].entry.vector() != 0x60 || d.pins[3].entry.destination() != 2 || !d.pins[3].entry.triggerLevel() {
		t.Fatalf("redirection entry not programmed as expected: %+v", d.pins[3].entry)
	}
}

func TestPinsWithVectorFindsMatchingPins(t *testing.T) {
	d := New(nil)
	writeReg(t, d, redirBase+0, 0x70)
	writeReg(t, d, redirBase+1, 0)
	writeReg(t, d, redirBase+2, 0x70)
	writeReg(t, d, redirBase+3, 0)

	pins := d.PinsWithVector(0x70)
	if len(pins) != 2 || pins[0] != 0 || pins[1] != 1 {
		t.Fatalf("expected pins [0 1], got %v", pins)
	}
}

func TestVersionRegisterEncodesPinCount(t *testing.T) {
	d := New(nil)
	v := readReg(t, d, regVersion)
	if (v>>16)&0xFF != NumPins-1 {
		t.Fatalf("version register should encode max redirection entry %d, got %d", NumPins-1, (v>>16)&0xFF)
	}
}
