// Command partitionhv boots one guest VM from a YAML configuration file,
// wiring every internal/* component into a running hypervisor instance.
// It generalizes the teacher's cmd/main.go single-hardcoded-VM bring-up
// sequence into a config-driven entry point, matching the split the wider
// retrieved pack (e.g. tinyrange-cc's cmd/ binaries) uses between a thin
// main and the packages doing the real work.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"partitionhv/internal/hverr"
	"partitionhv/internal/hvlog"
	"partitionhv/internal/ioapic"
	"partitionhv/internal/lapic"
	"partitionhv/internal/mcs9900"
	"partitionhv/internal/platform"
	"partitionhv/internal/ptirq"
	"partitionhv/internal/uart"
	"partitionhv/internal/vmconfig"
	"partitionhv/internal/vmm"
	"partitionhv/internal/vtd"
)

var log = hvlog.New("main")

func main() {
	configPath := flag.String("config", "", "path to a VM configuration YAML file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	hvlog.SetDebug(*debug)

	if *configPath == "" {
		log.Errorf("missing required -config flag")
		os.Exit(2)
	}

	if err := run(*configPath); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := vmconfig.Load(configPath)
	if err != nil {
		return err
	}
	log.Infof("loaded %s", cfg.String())

	vm, err := vmm.New(cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	wireLegacyChipset(vm)
	wireUARTs(vm, cfg)
	wireMCS9900(vm, cfg)

	ptirqTable, err := wirePassthrough(vm, cfg)
	if err != nil {
		return err
	}

	// Pin 0's mask state drives the 8259/IOAPIC wire-mode handoff spec.md
	// §4.4 describes: the PIC itself wants to see every pin-0 mask change
	// regardless of whether anything is passed through, and ptirq only
	// needs to when a passthrough remap exists for it.
	notifiers := ioapic.MultiNotifier{vm.PIC()}
	if ptirqTable != nil {
		notifiers = append(notifiers, ptirqTable)
	}
	vm.IOAPIC().SetNotifier(notifiers)

	// Route the IOAPIC's own EOI-broadcast bookkeeping, and the INTx
	// unmask it drives, off of every vCPU's LAPIC EOI write.
	for _, l := range vm.LAPICs() {
		l.SetEOIHandler(func(vector uint8) {
			vm.IOAPIC().HandleEOI(vector)
			if ptirqTable == nil {
				return
			}
			for _, pin := range vm.IOAPIC().PinsWithVector(vector) {
				if err := ptirqTable.AckPin(pin); err != nil {
					log.Debugf("ack pin %d: %v", pin, err)
				}
			}
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	if ptirqTable != nil {
		group.Go(func() error { return ptirqTable.Run(gctx) })
	}

	if err := vm.Start(gctx); err != nil {
		return err
	}

	<-gctx.Done()
	log.Infof("shutting down")
	if err := vm.Stop(); err != nil {
		return err
	}
	return group.Wait()
}

// wireLegacyChipset registers the RTC and i8042 keyboard on the VM's
// port-I/O bus, matching the teacher's fixed legacy-device registration
// block in its VM constructor.
func wireLegacyChipset(vm *vmm.VM) {
	rtc := platform.NewRTC(vm.PIC())
	vm.Bus().Register(platform.RTCPortIndex, platform.RTCPortIndex, rtc)
	vm.Bus().Register(platform.RTCPortData, platform.RTCPortData, rtc)

	kbd := platform.NewKeyboard(vm.PIC())
	vm.Bus().Register(platform.KeyboardPortData, platform.KeyboardPortData, kbd)
	vm.Bus().Register(platform.KeyboardPortStatus, platform.KeyboardPortStatus, kbd)

	pit := platform.NewPIT(vm.PIC())
	vm.Bus().Register(platform.PITPortCounter0, platform.PITPortCommand, pit)
	vm.Bus().Register(platform.PITPortStatus, platform.PITPortStatus, pit)
}

// wireUARTs constructs one vUART per vmconfig.VUARTConfig entry, registers
// it on the port-I/O bus, and pairs cross-VM instances named by PairWith.
func wireUARTs(vm *vmm.VM, cfg *vmconfig.VMConfig) {
	devices := make(map[string]*uart.Device, len(cfg.VUARTs))
	for i, uc := range cfg.VUARTs {
		var out io.Writer
		if uc.Console {
			out = os.Stdout
		}
		d := uart.New(uc.PortBase, uc.IRQLine, vm.PIC(), out)
		vm.Bus().Register(uc.PortBase, uc.PortBase+7, d)
		devices[namedUART(i)] = d
	}
	for i, uc := range cfg.VUARTs {
		if uc.PairWith == "" {
			continue
		}
		if peer, ok := devices[uc.PairWith]; ok {
			uart.Pair(devices[namedUART(i)], peer)
		}
	}
}

func namedUART(index int) string {
	return "vuart" + string(rune('0'+index))
}

// wireMCS9900 creates the inter-VM bridge when the config names a peer.
// Pairing the two VMs' bridges together is the job of whatever process
// launches both VMs (out of scope for this single-VM binary); this just
// leaves the local half of the bridge registered and ready to Pair.
func wireMCS9900(vm *vmm.VM, cfg *vmconfig.VMConfig) *mcs9900.Bridge {
	if cfg.MCS9900Peer == "" {
		return nil
	}
	b := mcs9900.New(nil)
	vm.Bus().Register(mcs9900PortBase, mcs9900PortBase+7, b)
	return b
}

const mcs9900PortBase = 0x2F8

// wirePassthrough assigns each configured PCI device to a VT-d domain and
// installs its ptirq remap entry, returning the table whose softirq
// workers must be run alongside the VM (nil if nothing is passed through).
func wirePassthrough(vm *vmm.VM, cfg *vmconfig.VMConfig) (*ptirq.Table, error) {
	if len(cfg.Passthrough) == 0 {
		return nil, nil
	}

	backend := &vtd.SoftwareBackend{}
	unit, err := vtd.NewUnit(backend, 256)
	if err != nil {
		return nil, err
	}

	table := ptirq.New(cfg.NumVCPUs)
	for _, pd := range cfg.Passthrough {
		bdf, err := parseBDF(pd.BDF)
		if err != nil {
			return nil, err
		}
		if err := unit.AssignDevice(bdf, 1, 48); err != nil {
			return nil, err
		}

		source, err := ptirq.NewEventfdSource()
		if err != nil {
			return nil, err
		}

		switch pd.Kind {
		case "intx":
			pin := int(pd.IRQLine)
			dest := destinationForPCPU(pd.PCPU)
			// Program the IOAPIC's own redirection entry for the pin before
			// the remap is live: AssertPin only ever toggles the line
			// level, it doesn't own vector/destination, so if nothing has
			// programmed the entry yet the assert has nowhere to route.
			if err := vm.IOAPIC().ProgramRedirection(pin, pd.Vector, dest, true); err != nil {
				return nil, err
			}
			sink := &ioapicSink{ioapic: vm.IOAPIC()}
			err = table.AddIntxRemapping(uint64(bdf), source, sink, pin, pd.PCPU)
		default:
			irteIdx, err2 := unit.AllocIRTE(vtd.IRTE{
				Vector: pd.Vector, Destination: destinationForPCPU(pd.PCPU), SourceID: bdf,
			})
			if err2 != nil {
				return nil, err2
			}
			sink := &lapicSink{lapics: vm.LAPICs()}
			err = table.AddMsixRemapping(uint64(bdf), source, sink, pd.Vector, destinationForPCPU(pd.PCPU), irteIdx, pd.PCPU)
		}
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}

// ioapicSink delivers a ptirq-remapped INTx interrupt by asserting the
// vIOAPIC pin it was assigned, letting the IOAPIC's own Remote-IRR/level-
// trigger bookkeeping (rather than a direct LAPIC injection) own delivery,
// per spec.md §4.5's INTx remap path.
type ioapicSink struct {
	ioapic *ioapic.Device
}

func (s *ioapicSink) AssertPin(pin int, level bool) error {
	return s.ioapic.SetIRQ(pin, level)
}

// lapicSink delivers a ptirq-remapped MSI/MSI-X interrupt to the
// destination vCPU's LAPIC, the userspace-VMM analogue of ACRN's
// vlapic_set_intr directly from the IOMMU's posted-interrupt path.
type lapicSink struct {
	lapics []*lapic.LAPIC
}

func (s *lapicSink) InjectRemapped(vector uint8, destination uint8, level bool) error {
	for _, l := range s.lapics {
		if l.ID() == destination {
			l.Deliver(vector, level)
			return nil
		}
	}
	return hverr.NotFound("no LAPIC with id %d", destination)
}

func destinationForPCPU(pcpu int) uint8 { return uint8(pcpu) }

// parseBDF turns a "bb:dd.f" string into the packed uint16 key vtd/ptirq
// index their tables by (bus<<8 | device<<3 | function).
func parseBDF(s string) (uint16, error) {
	var bus, dev, fn uint64
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, hverr.InvalidArgument("vmconfig: malformed bdf %q", s)
	}
	var err error
	if bus, err = strconv.ParseUint(parts[0], 16, 8); err != nil {
		return 0, hverr.InvalidArgument("vmconfig: malformed bdf %q: %w", s, err)
	}
	df := strings.SplitN(parts[1], ".", 2)
	if len(df) != 2 {
		return 0, hverr.InvalidArgument("vmconfig: malformed bdf %q", s)
	}
	if dev, err = strconv.ParseUint(df[0], 16, 8); err != nil {
		return 0, hverr.InvalidArgument("vmconfig: malformed bdf %q: %w", s, err)
	}
	if fn, err = strconv.ParseUint(df[1], 16, 8); err != nil {
		return 0, hverr.InvalidArgument("vmconfig: malformed bdf %q: %w", s, err)
	}
	return uint16(bus)<<8 | uint16(dev)<<3 | uint16(fn), nil
}
