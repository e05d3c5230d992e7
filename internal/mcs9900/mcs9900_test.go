package mcs9900

import "testing"

type fakeMSISignaler struct {
	signals []struct{ addr uint64; data uint32 }
}

func (f *fakeMSISignaler) SignalMSI(address uint64, data uint32) error {
	f.signals = append(f.signals, struct {
		addr uint64
		data uint32
	}{address, data})
	return nil
}

func writeReg(t *testing.T, b *Bridge, offset uint16, val byte) {
	t.Helper()
	if err := b.HandleIO(offset, 1, 1, []byte{val}); err != nil {
		t.Fatalf("write offset 0x%x: %v", offset, err)
	}
}

func readReg(t *testing.T, b *Bridge, offset uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := b.HandleIO(offset, 0, 1, buf); err != nil {
		t.Fatalf("read offset 0x%x: %v", offset, err)
	}
	return buf[0]
}

func start(t *testing.T, b *Bridge) {
	t.Helper()
	writeReg(t, b, RegCR, crStart)
}

func TestPairDeliversBytesAcrossBridges(t *testing.T) {
	a, b := New(nil), New(nil)
	Pair(a, b)
	start(t, a)
	start(t, b)

	writeReg(t, a, RegData, 0x42)

	if got := readReg(t, b, RegData); got != 0x42 {
		t.Fatalf("peer received 0x%x, want 0x42", got)
	}
}

func TestDataWriteWhileStoppedIsRejected(t *testing.T) {
	a := New(nil)
	if err := a.HandleIO(RegData, 1, 1, []byte{0x01}); err == nil {
		t.Fatal("expected an error writing data while the bridge is stopped")
	}
}

func TestISRAckClearsBitsWritten(t *testing.T) {
	a, b := New(nil), New(nil)
	Pair(a, b)
	start(t, a)
	start(t, b)
	writeReg(t, a, RegData, 0x7)

	if got := readReg(t, b, RegISR); got&isrRX == 0 {
		t.Fatalf("ISR = 0x%x, want RX bit set after delivery", got)
	}
	writeReg(t, b, RegISR, isrRX)
	if got := readReg(t, b, RegISR); got&isrRX != 0 {
		t.Fatalf("ISR = 0x%x, want RX bit cleared after ack", got)
	}
}

func TestMSISignaledWhenEnabledAndUnmasked(t *testing.T) {
	sig := &fakeMSISignaler{}
	a := New(sig)
	a.ProgramMSI(0xFEE00000, 0x55, msiControlEnable)
	start(t, a)
	writeReg(t, a, RegIMR, isrTX)

	writeReg(t, a, RegData, 0x01)

	if len(sig.signals) == 0 {
		t.Fatal("expected an MSI signal once TX completes with IMR unmasking isrTX")
	}
	if sig.signals[len(sig.signals)-1].data != 0x55 {
		t.Fatalf("signaled data = 0x%x, want 0x55", sig.signals[len(sig.signals)-1].data)
	}
}

func TestMSINotSignaledWhenMasked(t *testing.T) {
	sig := &fakeMSISignaler{}
	a := New(sig)
	a.ProgramMSI(0xFEE00000, 0x55, msiControlEnable)
	start(t, a)

	writeReg(t, a, RegData, 0x01)

	if len(sig.signals) != 0 {
		t.Fatal("expected no MSI signal while IMR masks isrTX")
	}
}

func TestResetClearsFIFOsAndRegisters(t *testing.T) {
	a, b := New(nil), New(nil)
	Pair(a, b)
	start(t, a)
	start(t, b)
	writeReg(t, a, RegIMR, 0xFF)
	writeReg(t, a, RegData, 0x01)

	writeReg(t, a, RegCR, crReset)

	if got := readReg(t, a, RegCR); got != crStop {
		t.Fatalf("CR after reset = 0x%x, want stopped", got)
	}
	if got := readReg(t, a, RegIMR); got != 0 {
		t.Fatalf("IMR after reset = 0x%x, want 0", got)
	}
}

func TestRxFIFOFullRaisesRXErr(t *testing.T) {
	a, b := New(nil), New(nil)
	Pair(a, b)
	start(t, a)
	start(t, b)

	for i := 0; i < fifoDepth+4; i++ {
		writeReg(t, a, RegData, byte(i))
	}

	if got := readReg(t, b, RegISR); got&isrRXErr == 0 {
		t.Fatalf("ISR = 0x%x, want RX error bit once the peer's rx FIFO overflows", got)
	}
}
