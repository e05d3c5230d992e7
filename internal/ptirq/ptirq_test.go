package ptirq

import (
	"context"
	"testing"
)

type fakeSource struct {
	masked bool
}

func (*fakeSource) Wait(context.Context) error  { return nil }
func (*fakeSource) Ack() error                  { return nil }
func (*fakeSource) Close() error                { return nil }
func (s *fakeSource) SetMasked(masked bool) error {
	s.masked = masked
	return nil
}

type fakeSink struct {
	injected []uint8
}

func (s *fakeSink) InjectRemapped(vector, destination uint8, level bool) error {
	s.injected = append(s.injected, vector)
	return nil
}

type fakeIntxSink struct {
	asserted []int
}

func (s *fakeIntxSink) AssertPin(pin int, level bool) error {
	s.asserted = append(s.asserted, pin)
	return nil
}

func TestAddIntxRemappingRejectsDuplicateKey(t *testing.T) {
	tab := New(1)
	const key = 0x0102

	if err := tab.AddIntxRemapping(key, &fakeSource{}, &fakeIntxSink{}, 1, 0); err != nil {
		t.Fatalf("first AddIntxRemapping: %v", err)
	}
	if err := tab.AddIntxRemapping(key, &fakeSource{}, &fakeIntxSink{}, 2, 0); err == nil {
		t.Fatal("expected conflict adding a second remap for the same physical source key")
	}
}

func TestRemoveFreesSlotForReuse(t *testing.T) {
	tab := New(1)
	const key = 0xAA

	if err := tab.AddIntxRemapping(key, &fakeSource{}, &fakeIntxSink{}, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := tab.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tab.AddIntxRemapping(key, &fakeSource{}, &fakeIntxSink{}, 2, 0); err != nil {
		t.Fatalf("re-adding after Remove should succeed: %v", err)
	}
}

func TestTableExhaustionReturnsError(t *testing.T) {
	tab := New(1)
	for i := 0; i < MaxEntries; i++ {
		if err := tab.AddIntxRemapping(uint64(i), &fakeSource{}, &fakeIntxSink{}, 1, 0); err != nil {
			t.Fatalf("entry %d: unexpected error: %v", i, err)
		}
	}
	if err := tab.AddIntxRemapping(uint64(MaxEntries), &fakeSource{}, &fakeIntxSink{}, 1, 0); err == nil {
		t.Fatal("expected an error once the fixed-size table is exhausted")
	}
}

func TestPinRemapUpdatesPinWithoutLosingIdentity(t *testing.T) {
	tab := New(1)
	const key = 5
	if err := tab.AddIntxRemapping(key, &fakeSource{}, &fakeIntxSink{}, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := tab.PtirqIntxPinRemap(key, 7); err != nil {
		t.Fatalf("PtirqIntxPinRemap: %v", err)
	}
	idx := tab.byKey[key]
	if tab.entries[idx].pin != 7 {
		t.Fatalf("remap not updated: %+v", tab.entries[idx])
	}
}

func TestIntxAckRequiresActiveRemap(t *testing.T) {
	tab := New(1)
	if err := tab.IntxAck(0x999, 2); err == nil {
		t.Fatal("expected NotFound for an unregistered physical key")
	}
}

func TestIntxAckUnmasksPhysicalSource(t *testing.T) {
	tab := New(1)
	const key = 9
	src := &fakeSource{masked: true}
	if err := tab.AddIntxRemapping(key, src, &fakeIntxSink{}, 3, 0); err != nil {
		t.Fatal(err)
	}
	if err := tab.IntxAck(key, 0); err != nil {
		t.Fatalf("IntxAck: %v", err)
	}
	if src.masked {
		t.Fatal("expected IntxAck to unmask the physical source")
	}
}

func TestAckPinUnmasksMatchingEntry(t *testing.T) {
	tab := New(1)
	const key = 11
	src := &fakeSource{masked: true}
	if err := tab.AddIntxRemapping(key, src, &fakeIntxSink{}, 4, 0); err != nil {
		t.Fatal(err)
	}
	if err := tab.AckPin(4); err != nil {
		t.Fatalf("AckPin: %v", err)
	}
	if src.masked {
		t.Fatal("expected AckPin to unmask the physical source")
	}
	if err := tab.AckPin(99); err == nil {
		t.Fatal("expected NotFound for a pin with no active remap")
	}
}

func TestAddMsixRemappingSelectsMSIMessageFormat(t *testing.T) {
	tab := New(1)
	const remappable = 100
	const compat = 101

	if err := tab.AddMsixRemapping(remappable, &fakeSource{}, &fakeSink{}, 0x40, 1, 5, 0); err != nil {
		t.Fatal(err)
	}
	if err := tab.AddMsixRemapping(compat, &fakeSource{}, &fakeSink{}, 0x41, 2, -1, 0); err != nil {
		t.Fatal(err)
	}

	addr, data, err := tab.MSIMessage(remappable)
	if err != nil {
		t.Fatalf("MSIMessage(remappable): %v", err)
	}
	if addr&(1<<4) == 0 {
		t.Fatalf("expected the remappable-format bit set, got addr=%#x", addr)
	}
	if data != 0 {
		t.Fatalf("expected reserved data for remappable format, got %#x", data)
	}

	addr, data, err = tab.MSIMessage(compat)
	if err != nil {
		t.Fatalf("MSIMessage(compat): %v", err)
	}
	if addr&(1<<4) != 0 {
		t.Fatalf("expected compatibility format, got addr=%#x", addr)
	}
	if data != 0x41 {
		t.Fatalf("expected data to carry the vector, got %#x", data)
	}
}
