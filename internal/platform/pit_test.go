package platform

import "testing"

type fakeIRQRaiser struct {
	lines []uint8
}

func (f *fakeIRQRaiser) RaiseIRQ(line uint8) { f.lines = append(f.lines, line) }

func TestPITTickUnderflowRaisesIRQ0(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	p := NewPIT(raiser)

	// Program counter 0, mode 3, LOHI, reload = 2.
	p.HandleIO(PITPortCommand, 1, 1, []byte{0x36})
	p.HandleIO(PITPortCounter0, 1, 1, []byte{0x02})
	p.HandleIO(PITPortCounter0, 1, 1, []byte{0x00})

	p.Tick()
	if len(raiser.lines) != 0 {
		t.Fatalf("should not fire before the reload count elapses, got %+v", raiser.lines)
	}
	p.Tick()
	if len(raiser.lines) != 1 || raiser.lines[0] != PITIRQ {
		t.Fatalf("expected one IRQ0 after reload elapses, got %+v", raiser.lines)
	}
}

func TestPITLatchFreezesReadValue(t *testing.T) {
	p := NewPIT(nil)
	p.HandleIO(PITPortCommand, 1, 1, []byte{0x36})
	p.HandleIO(PITPortCounter0, 1, 1, []byte{0x10})
	p.HandleIO(PITPortCounter0, 1, 1, []byte{0x00})

	// Latch counter 0.
	p.HandleIO(PITPortCommand, 1, 1, []byte{0x00})
	p.Tick() // changes live value after latching

	buf := []byte{0}
	p.HandleIO(PITPortCounter0, 0, 1, buf)
	lsb := buf[0]
	p.HandleIO(PITPortCounter0, 0, 1, buf)
	msb := buf[0]

	got := uint16(lsb) | uint16(msb)<<8
	if got != 0x10 {
		t.Fatalf("latched read = 0x%x, want 0x10 (pre-tick value)", got)
	}
}

func TestPITStatusPortReportsGateA20High(t *testing.T) {
	p := NewPIT(nil)
	buf := []byte{0}
	if err := p.HandleIO(PITPortStatus, 0, 1, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0]&0x20 == 0 {
		t.Fatal("expected Gate A20 bit set on status port read")
	}
}
