package platform

import "testing"

func rtcSelect(t *testing.T, r *RTC, reg byte) {
	t.Helper()
	if err := r.HandleIO(RTCPortIndex, 1, 1, []byte{reg}); err != nil {
		t.Fatalf("select register 0x%x: %v", reg, err)
	}
}

func rtcRead(t *testing.T, r *RTC) byte {
	t.Helper()
	buf := []byte{0}
	if err := r.HandleIO(RTCPortData, 0, 1, buf); err != nil {
		t.Fatalf("read data port: %v", err)
	}
	return buf[0]
}

func TestRegCReadClearsOnAccess(t *testing.T) {
	r := NewRTC(nil)
	r.Tick() // sets PF/IRQF if PIE enabled; PIE is off by default so no-op

	r.registers[regC] = cPF | cIRQF
	rtcSelect(t, r, regC)
	if got := rtcRead(t, r); got != cPF|cIRQF {
		t.Fatalf("first read of REG_C = 0x%x, want 0x%x", got, cPF|cIRQF)
	}
	rtcSelect(t, r, regC)
	if got := rtcRead(t, r); got != 0 {
		t.Fatalf("REG_C should read as 0 after being cleared by the first read, got 0x%x", got)
	}
}

func TestTickRaisesIRQ8WhenPIEEnabled(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	r := NewRTC(raiser)
	rtcSelect(t, r, regB)
	r.HandleIO(RTCPortData, 1, 1, []byte{bPIE})

	r.Tick()
	if len(raiser.lines) != 1 || raiser.lines[0] != RTCIRQ {
		t.Fatalf("expected one IRQ8 after Tick with PIE set, got %+v", raiser.lines)
	}
}

func TestTickDoesNothingWhenPIEDisabled(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	r := NewRTC(raiser)
	r.Tick()
	if len(raiser.lines) != 0 {
		t.Fatal("PIE is disabled by default; Tick should not raise an interrupt")
	}
}

func TestOutOfRangeIndexReturnsError(t *testing.T) {
	r := NewRTC(nil)
	r.index = 200 // HandleIO's index write always masks to 0x7F; force it out of range directly
	buf := []byte{0}
	if err := r.HandleIO(RTCPortData, 0, 1, buf); err == nil {
		t.Fatal("expected an error reading an out-of-range CMOS register index")
	}
}
