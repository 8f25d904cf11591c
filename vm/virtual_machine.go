// Package vm is the VM handle (C4): the opaque black box the supervisor
// owns at most one of. It exposes exactly the contract the supervisor
// needs — New, Boot, Shutdown, HandleStdin, GetConfig — and keeps the
// KVM/device-emulation machinery backing that contract private.
package vm

import (
	"fmt"
	"log"
	"os"
	"syscall"
	"unsafe"

	"github.com/google/uuid"

	"vmmcore/config"
	"vmmcore/eventfd"
	"vmmcore/internal/coreengine/devices"
	"vmmcore/internal/coreengine/hypervisor"
	"vmmcore/internal/coreengine/network"
)

// VirtualMachine is a KVM-backed guest. It owns clones of the supervisor's
// exit_evt and reset_evt (I2): a guest-initiated triple fault signals the
// former, a guest write to the reset control register signals the latter.
type VirtualMachine struct {
	ID uuid.UUID

	vmFD           int
	kvmFD          int
	guestMemory    []byte
	vcpus          []*VCPU
	ioBus          *devices.IOBus
	picDevice      *devices.PICDevice
	pitDevice      *devices.PITDevice
	serialDevice   *devices.SerialPortDevice
	rtcDevice      *devices.RTCDevice
	keyboardDevice *devices.KeyboardDevice
	resetDevice    *devices.ResetPortDevice
	ne2000Device   *devices.NE2000Device
	tapDevice      *network.TapDevice

	cfg      config.Config
	exitEvt  *eventfd.EventFd
	resetEvt *eventfd.EventFd
	stdin    *os.File

	stopChan     chan struct{}
	vcpusRunning chan struct{}
	closeOnce    bool

	Debug bool
}

// resetSignal adapts an *eventfd.EventFd to devices.ResetSignaler so the
// devices package never needs to import eventfd.
type resetSignal struct{ evt *eventfd.EventFd }

func (r resetSignal) SignalReset() {
	if err := r.evt.Write(1); err != nil {
		log.Printf("vm: failed to signal reset_evt: %v", err)
	}
}

// New constructs a VM from cfg, taking ownership of exitEvt/resetEvt (both
// already clones belonging only to this VM, per I2 — the supervisor never
// hands out its originals).
func New(cfg config.Config, exitEvt, resetEvt *eventfd.EventFd) (*VirtualMachine, error) {
	cfg = config.WithDefaults(cfg)

	kvmFD, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: open /dev/kvm: %w", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("vm: create KVM VM: %w", err)
	}

	guestMem, err := syscall.Mmap(-1, 0, int(cfg.MemorySizeBytes), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("vm: mmap guest memory: %w", err)
	}

	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, cfg.MemorySizeBytes, uintptr(unsafe.Pointer(&guestMem[0]))); err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("vm: set user memory region: %w", err)
	}

	vm := &VirtualMachine{
		ID:           uuid.New(),
		vmFD:         vmFD,
		kvmFD:        kvmFD,
		guestMemory:  guestMem,
		cfg:          cfg,
		exitEvt:      exitEvt,
		resetEvt:     resetEvt,
		stdin:        os.Stdin,
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan struct{}, cfg.NumVCPUs),
		Debug:        cfg.Debug,
	}

	if err := vm.setupDevices(); err != nil {
		vm.Close()
		return nil, err
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("vm: create VCPU %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if err := vm.loadBootImage(); err != nil {
		vm.Close()
		return nil, err
	}

	if err := vm.setupGDT(); err != nil {
		vm.Close()
		return nil, err
	}

	if err := vm.setupPaging(); err != nil {
		vm.Close()
		return nil, err
	}

	if vm.Debug {
		log.Printf("vm %s: constructed (%d MiB, %d vcpu(s))", vm.ID, cfg.MemorySizeBytes/(1024*1024), cfg.NumVCPUs)
	}
	return vm, nil
}

func (vm *VirtualMachine) setupDevices() error {
	ioBus := devices.NewIOBus()
	pic := devices.NewPICDevice()
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic)
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice()
	resetDev := devices.NewResetPortDevice(resetSignal{evt: vm.resetEvt})

	tap, err := network.NewTapDevice(vm.cfg.TapDeviceName)
	if err != nil {
		return fmt.Errorf("vm: create TAP device %q: %w", vm.cfg.TapDeviceName, err)
	}
	ne2000 := devices.NewNE2000Device(tap, pic, devices.NE2000_DEFAULT_MAC)

	ioBus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic)
	ioBus.RegisterDevice(devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, pit)
	ioBus.RegisterDevice(devices.PIT_PORT_STATUS, devices.PIT_PORT_STATUS, pit)
	ioBus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial)
	ioBus.RegisterDevice(devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, rtc)
	ioBus.RegisterDevice(devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, keyboard)
	ioBus.RegisterDevice(devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, keyboard)
	ioBus.RegisterDevice(devices.NE2000_BASE_PORT, devices.NE2000_BASE_PORT+0x1F, ne2000)
	ioBus.RegisterDevice(devices.RESET_CONTROL_PORT, devices.RESET_CONTROL_PORT, resetDev)

	vm.ioBus = ioBus
	vm.picDevice = pic
	vm.pitDevice = pit
	vm.serialDevice = serial
	vm.rtcDevice = rtc
	vm.keyboardDevice = keyboard
	vm.resetDevice = resetDev
	vm.ne2000Device = ne2000
	vm.tapDevice = tap
	return nil
}

func (vm *VirtualMachine) loadBootImage() error {
	paths := []string{vm.cfg.BootBinaryPath, "boot_pm.bin", "../boot_pm.bin"}
	var program []byte
	var err error
	var used string
	for _, p := range paths {
		program, err = os.ReadFile(p)
		if err == nil {
			used = p
			break
		}
	}
	if err != nil {
		return fmt.Errorf("vm: read boot image (tried %v): %w", paths, err)
	}
	if uint64(len(program)) > vm.cfg.MemorySizeBytes || len(vm.guestMemory) < len(program) {
		return fmt.Errorf("vm: boot image (%d bytes) does not fit guest memory (%d bytes)", len(program), vm.cfg.MemorySizeBytes)
	}
	copy(vm.guestMemory[0:], program)
	if vm.Debug {
		log.Printf("vm %s: loaded %d bytes from %s at 0x0", vm.ID, len(program), used)
	}
	return nil
}

func (vm *VirtualMachine) setupGDT() error {
	gdtBaseAddress := uint64(0x500)
	gdt := []hypervisor.GDTEntry{
		hypervisor.NewGDTEntry(0, 0, 0, 0),
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF),
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF),
	}

	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}

	if gdtBaseAddress+uint64(len(gdtBytes)) > vm.cfg.MemorySizeBytes {
		return fmt.Errorf("vm: GDT does not fit guest memory")
	}
	copy(vm.guestMemory[gdtBaseAddress:], gdtBytes)
	if vm.Debug {
		log.Printf("vm %s: GDT loaded at 0x%x (%d entries)", vm.ID, gdtBaseAddress, len(gdt))
	}
	return nil
}

func (vm *VirtualMachine) setupPaging() error {
	pageDirectoryBaseAddress := uint64(0x1000)
	pdSizeBytes := uint64(1024 * 4)
	if pageDirectoryBaseAddress+pdSizeBytes > vm.cfg.MemorySizeBytes {
		return fmt.Errorf("vm: page directory does not fit guest memory")
	}

	pdeFlags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER | hypervisor.PDE_PAGE_SIZE
	pdeEntry := hypervisor.NewPDE4MB(0x0, pdeFlags)

	if len(vm.guestMemory) < int(pageDirectoryBaseAddress+4) {
		return fmt.Errorf("vm: not enough guest memory for page directory")
	}
	vm.guestMemory[pageDirectoryBaseAddress+0] = byte(pdeEntry >> 0)
	vm.guestMemory[pageDirectoryBaseAddress+1] = byte(pdeEntry >> 8)
	vm.guestMemory[pageDirectoryBaseAddress+2] = byte(pdeEntry >> 16)
	vm.guestMemory[pageDirectoryBaseAddress+3] = byte(pdeEntry >> 24)

	if vm.Debug {
		log.Printf("vm %s: page directory set up at 0x%x, identity-mapping 0x0-0x3FFFFF", vm.ID, pageDirectoryBaseAddress)
	}
	return nil
}

// LoadBinary loads a raw image into guest memory at address, overwriting
// whatever New already placed there. Primarily useful for tests that want
// to exercise a specific bootloader without touching the filesystem.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.cfg.MemorySizeBytes {
		return fmt.Errorf("vm: binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("vm %s: loaded %d bytes into guest memory at 0x%x", vm.ID, len(image), address)
	}
	return nil
}

// GetConfig returns the configuration this VM was built from, used by the
// supervisor to recreate an equivalent VM on reboot.
func (vm *VirtualMachine) GetConfig() config.Config {
	return vm.cfg
}

// Boot starts all VCPUs and returns once they are running. A background
// monitor watches for the VCPUs finishing on their own (a guest-initiated
// halt not caused by Shutdown) and signals exit_evt in that case, so a
// triple fault wakes the supervisor exactly like an explicit shutdown.
func (vm *VirtualMachine) Boot() error {
	if vm.Debug {
		log.Printf("vm %s: booting, starting %d VCPU(s)", vm.ID, len(vm.vcpus))
	}
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			if err := v.Run(); err != nil && vm.Debug {
				log.Printf("vm %s: VCPU %d exited: %v", vm.ID, v.id, err)
			}
			vm.vcpusRunning <- struct{}{}
		}(vcpu)
	}
	go vm.monitor()
	return nil
}

func (vm *VirtualMachine) monitor() {
	for i := 0; i < len(vm.vcpus); i++ {
		select {
		case <-vm.vcpusRunning:
		case <-vm.stopChan:
			return
		}
	}
	select {
	case <-vm.stopChan:
		// Already being torn down via Shutdown; no need to also signal exit_evt.
	default:
		if err := vm.exitEvt.Write(1); err != nil {
			log.Printf("vm %s: failed to signal exit_evt after guest halt: %v", vm.ID, err)
		}
	}
}

// HandleStdin consumes one burst of input from host stdin and forwards it
// to the emulated serial console.
func (vm *VirtualMachine) HandleStdin() error {
	buf := make([]byte, 256)
	n, err := vm.stdin.Read(buf)
	if err != nil {
		if err == syscall.EAGAIN {
			return nil
		}
		return fmt.Errorf("vm: reading stdin: %w", err)
	}
	if n > 0 {
		vm.serialDevice.PushInput(buf[:n])
	}
	return nil
}

// Shutdown stops all VCPUs and releases every resource the VM holds.
// Idempotent: calling it more than once is a no-op after the first call.
func (vm *VirtualMachine) Shutdown() error {
	vm.Close()
	return nil
}

// Stop signals all VCPUs to exit their run loops without releasing
// resources; Close (called by Shutdown) performs full teardown.
func (vm *VirtualMachine) Stop() {
	select {
	case <-vm.stopChan:
		// already closed
	default:
		close(vm.stopChan)
	}
}

// Close cleans up resources used by the virtual machine. Safe to call
// more than once.
func (vm *VirtualMachine) Close() {
	if vm.closeOnce {
		return
	}
	vm.closeOnce = true
	if vm.Debug {
		log.Printf("vm %s: closing", vm.ID)
	}
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.guestMemory != nil {
		syscall.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.tapDevice != nil {
		if err := vm.tapDevice.Close(); err != nil {
			log.Printf("vm %s: error closing TAP device: %v", vm.ID, err)
		}
		vm.tapDevice = nil
	}
	if vm.vmFD != 0 {
		syscall.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		syscall.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Printf("vm %s: closed", vm.ID)
	}
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// HandleIO is called by a VCPU on KVM_EXIT_IO; it dispatches to the IOBus.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8, count uint32) error {
	for i := uint32(0); i < count; i++ {
		if len(data) < int(size) {
			return fmt.Errorf("HandleIO: data buffer too small for I/O operation (size %d, buffer %d)", size, len(data))
		}
		if err := vm.ioBus.HandleIO(port, direction, size, data[:size]); err != nil {
			return err
		}
	}
	return nil
}

// HandleMMIO is called by a VCPU on KVM_EXIT_MMIO. No MMIO device is
// registered in this implementation; reads are filled with a sentinel
// pattern and the access is reported upward as unhandled.
func (vm *VirtualMachine) HandleMMIO(vcpuID int, physAddr uint64, data []byte, isWrite bool) error {
	if !isWrite && len(data) > 0 {
		for i := range data {
			data[i] = 0xFF
		}
	}
	return fmt.Errorf("MMIO to address 0x%x (length %d, write: %t) unhandled by VMM", physAddr, len(data), isWrite)
}

// InjectInterrupt injects an interrupt vector into a specific VCPU; called
// by the PIC device model when an IRQ becomes pending.
func (vm *VirtualMachine) InjectInterrupt(vcpuID int, vector uint8) error {
	if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
		return fmt.Errorf("cannot inject interrupt: VCPU ID %d out of range", vcpuID)
	}
	return vm.vcpus[vcpuID].InjectInterrupt(vector)
}

// CheckForPendingInterrupts is polled by VCPU0 to deliver PIC interrupts.
func (vm *VirtualMachine) CheckForPendingInterrupts(vcpuID int) {
	if vcpuID != 0 {
		return
	}
	if vm.picDevice.HasPendingInterrupts() {
		if vector := vm.picDevice.GetInterruptVector(); vector != 0 {
			if err := vm.InjectInterrupt(vcpuID, vector); err != nil {
				log.Printf("vm %s: error injecting interrupt vector 0x%x into VCPU %d: %v", vm.ID, vector, vcpuID, err)
			}
		}
	}
}
