// Package hostbridge implements spec.md §4.9's HostOsBridge: the minimal
// surface the hypervisor core needs from its host environment. Under the
// KVM reinterpretation (see SPEC_FULL.md) there is no literal root-mode
// restriction on what this code may do — it runs as ordinary userspace
// Go — so the "must be safe to call from root mode" constraints in
// spec.md collapse to a simpler requirement: VAFromPA/PAFromVA do not
// allocate and take only this Bridge's own read lock.
package hostbridge

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"microhv/hverr"
)

// Bridge is HostOsBridge. "VA" is this process's own address space; "PA"
// is the guest-physical offset into the mmap'd guest memory slice Bridge
// was constructed around. No host self-map walk is needed for the
// translation because the slice already is the page table: unlike a
// root-mode hypervisor, a userspace KVM VMM holds all of guest memory as
// one contiguous, already-backed Go byte slice.
type Bridge struct {
	mu          sync.RWMutex
	guestMemory []byte
	logger      *log.Logger
	debug       bool
}

// New builds a Bridge over guestMemory, the same backing slice passed to
// KVM_SET_USER_MEMORY_REGION. logger defaults to log.Default() when nil,
// matching the teacher's "log.Printf gated by vm.Debug" idiom.
func New(guestMemory []byte, logger *log.Logger, debug bool) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{guestMemory: guestMemory, logger: logger, debug: debug}
}

// CPUCount is spec.md's cpu_count(): the number of logical CPUs this
// process may schedule vCPU goroutines across.
func (b *Bridge) CPUCount() uint32 {
	return uint32(runtime.NumCPU())
}

// CPUIndex is spec.md's cpu_index(): under this reinterpretation, "which
// logical CPU am I" degenerates to "which vCPU slot am I", since pCPU
// pinning via OS scheduler affinity is host-OS driver plumbing out of
// this module's scope. Hypervisor and vcpu.VCpu pass their own
// configured index through directly rather than querying this method
// from inside a running vCPU goroutine.
func (b *Bridge) CPUIndex(vcpuID int) uint32 {
	return uint32(vcpuID)
}

// IPICall is spec.md's ipi_call(fn, ctx): block the caller until fn has
// returned on every entry of cpus. There is no literal IPI in userspace
// KVM; this is the goroutine/sync.WaitGroup fan-out the teacher's
// VirtualMachine.Run already uses to launch every VCPU concurrently and
// wait for them all (virtual_machine.go's vcpusRunning channel), lifted
// into a reusable primitive Hypervisor's Start/Stop/Check use for
// VMXON-equivalent setup, VMXOFF-equivalent teardown, and capability
// checks across every configured vCPU.
func (b *Bridge) IPICall(cpus []int, fn func(cpuIndex int) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(cpus))
	for i, cpu := range cpus {
		wg.Add(1)
		go func(slot, cpu int) {
			defer wg.Done()
			errs[slot] = fn(cpu)
		}(i, cpu)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("ipi_call on cpu %d: %w", cpus[i], err)
		}
	}
	return nil
}

// Sleep is spec.md's sleep(ms): a cooperative delay for the management
// thread. Never called from inside a vCPU's run loop, matching spec.md's
// "never called inside root mode".
func (b *Bridge) Sleep(d time.Duration) {
	time.Sleep(d)
}

// PAFromVA is spec.md's pa_from_va: translate a pointer into the guest
// memory slice back to its guest-physical offset.
func (b *Bridge) PAFromVA(va unsafe.Pointer) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.guestMemory) == 0 {
		return 0, hverr.New(hverr.InvalidArgument, "hostbridge: no guest memory bound")
	}
	base := uintptr(unsafe.Pointer(&b.guestMemory[0]))
	addr := uintptr(va)
	if addr < base || addr >= base+uintptr(len(b.guestMemory)) {
		return 0, hverr.New(hverr.InvalidArgument, "hostbridge: va outside guest memory window")
	}
	return uint64(addr - base), nil
}

// VAFromPA is spec.md's va_from_pa: the inverse of PAFromVA.
func (b *Bridge) VAFromPA(pa uint64) (unsafe.Pointer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pa >= uint64(len(b.guestMemory)) {
		return nil, hverr.New(hverr.InvalidArgument, "hostbridge: pa outside guest memory window")
	}
	return unsafe.Pointer(&b.guestMemory[pa]), nil
}

// MapperAllocate is spec.md's mapper_allocate(size): reserve a
// virtual-address window with no backing, whose pages a mapper may later
// repoint to arbitrary PFNs. Implemented as a PROT_NONE anonymous mmap
// reservation, the same reserve-then-remap trick gVisor's KVM platform
// uses to carve out address space it later overlays with MAP_FIXED.
func (b *Bridge) MapperAllocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, hverr.New(hverr.InvalidArgument, "hostbridge: mapper_allocate size must be positive")
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, hverr.New(hverr.NotEnoughMemory, fmt.Sprintf("hostbridge: mapper_allocate: %v", err))
	}
	return mem, nil
}

// LogSink is spec.md's log_sink(level, msg): called only from non-root
// paths, i.e. never from inside a VM-exit handler on this module's side
// either — microhv's handlers are pure Context mutation and never touch
// this Bridge's logger.
func (b *Bridge) LogSink(level, msg string) {
	if !b.debug && level == "debug" {
		return
	}
	b.logger.Printf("[%s] %s", level, msg)
}
