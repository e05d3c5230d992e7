package uart

import (
	"bytes"
	"testing"
)

type fakeRaiser struct {
	lines []uint8
}

func (f *fakeRaiser) RaiseIRQ(line uint8) { f.lines = append(f.lines, line) }

func out(t *testing.T, d *Device, port uint16, val byte) {
	t.Helper()
	if err := d.HandleIO(port, 1, 1, []byte{val}); err != nil {
		t.Fatalf("OUT port 0x%x = 0x%x: %v", port, val, err)
	}
}

func in(t *testing.T, d *Device, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := d.HandleIO(port, 0, 1, buf); err != nil {
		t.Fatalf("IN port 0x%x: %v", port, err)
	}
	return buf[0]
}

func TestTransmitWritesToHostOut(t *testing.T) {
	var buf bytes.Buffer
	d := New(0x3F8, 4, &fakeRaiser{}, &buf)

	out(t, d, 0x3F8+RegRHRTHRDLL, 'P')
	if buf.String() != "P" {
		t.Fatalf("expected host writer to receive 'P', got %q", buf.String())
	}
	if in(t, d, 0x3F8+RegLSR)&lsrTHRE == 0 {
		t.Fatal("THRE should be set once transmit drains")
	}
}

func TestPairDeliversBytesAcrossDevices(t *testing.T) {
	a := New(0x3F8, 4, &fakeRaiser{}, nil)
	b := New(0x2F8, 3, &fakeRaiser{}, nil)
	Pair(a, b)

	out(t, a, 0x3F8+RegRHRTHRDLL, 'X')

	if in(t, b, 0x2F8+RegLSR)&lsrDR == 0 {
		t.Fatal("peer should see data-ready after receiving a paired byte")
	}
	if got := in(t, b, 0x2F8+RegRHRTHRDLL); got != 'X' {
		t.Fatalf("peer RX byte = %q, want %q", got, 'X')
	}
	if in(t, b, 0x2F8+RegLSR)&lsrDR != 0 {
		t.Fatal("data-ready should clear once the RX FIFO is drained")
	}
}

func TestRaisesIRQOnRxDataWhenEnabled(t *testing.T) {
	raiser := &fakeRaiser{}
	d := New(0x3F8, 4, raiser, nil)
	out(t, d, 0x3F8+RegIERDLH, ierRxDataAvail)

	d.InjectHostByte('Q')

	if len(raiser.lines) == 0 || raiser.lines[len(raiser.lines)-1] != 4 {
		t.Fatalf("expected IRQ 4 raised on RX data, got %+v", raiser.lines)
	}
}

func TestRxFIFOOverrunDropsBytes(t *testing.T) {
	d := New(0x3F8, 4, &fakeRaiser{}, nil)
	for i := 0; i < FIFODepth+8; i++ {
		d.InjectHostByte(byte(i))
	}
	if d.rx.count != FIFODepth {
		t.Fatalf("RX FIFO should cap at %d bytes, got %d", FIFODepth, d.rx.count)
	}
}

func TestDLABGatesDivisorLatchAccess(t *testing.T) {
	d := New(0x3F8, 4, &fakeRaiser{}, nil)
	out(t, d, 0x3F8+RegLCR, lcrDLAB)
	out(t, d, 0x3F8+RegRHRTHRDLL, 0x01)
	out(t, d, 0x3F8+RegIERDLH, 0x00)
	out(t, d, 0x3F8+RegLCR, 0x00) // clear DLAB

	if d.dll != 0x01 {
		t.Fatalf("DLL should be programmable while DLAB set, got 0x%x", d.dll)
	}
}
