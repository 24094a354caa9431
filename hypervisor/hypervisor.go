// Package hypervisor implements spec.md §4.8's Hypervisor: the lifecycle
// façade gluing PlatformInfo, the EPT table, the shadow-page list, and
// one VCpu per configured logical CPU into Initialize/Check/Start/Stop/
// Destroy. Grounded on the teacher's VirtualMachine (virtual_machine.go):
// same constructor-parameter Config style, same goroutine-per-vCPU
// fan-out for Run/Stop/Close, generalized from "one KVM VM with device
// models" to "one KVM VM whose vCPUs run the passthrough emulation core".
package hypervisor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"microhv/ept"
	"microhv/exithandler"
	"microhv/hostbridge"
	"microhv/ia32"
	"microhv/kvmsys"
	"microhv/passthrough"
	"microhv/platform"
	"microhv/shadowpage"
	"microhv/vcpu"
)

// KVM capabilities Check() probes via KVM_CHECK_EXTENSION. These stand
// in for spec.md's hardware-feature probe (CR4.VMXE, VMX_BASIC fields,
// VMX_EPT_VPID_CAP support for 4-level walks/WB/INVEPT/execute-only
// pages/2 MiB PDEs): under the KVM reinterpretation the kernel module
// already validated those at load time, so Check's job becomes "is the
// ioctl surface this module depends on actually present on this kernel".
const (
	capUserMemory = 3 // KVM_CAP_USER_MEMORY
	capSetTSSAddr = 4 // KVM_CAP_SET_TSS_ADDR
	capExtCPUID   = 7 // KVM_CAP_EXT_CPUID
)

// tssAddr and identityMapAddr are the same fixed, below-4GB scratch
// addresses bobuhiro11/gokvm's Machine.New reserves for
// KVM_SET_TSS_ADDR/KVM_SET_IDENTITY_MAP_ADDR: x86 KVM needs both set
// before the first KVM_RUN for the in-kernel emulator's real-mode/
// big-real-mode task-switch and identity-paging fallback to have
// somewhere to live that never collides with guest RAM.
const (
	tssAddr         = 0xffffd000
	identityMapAddr = 0xffffc000
)

// Config mirrors the teacher's NewVirtualMachine(memSize, numVCPUs,
// enableDebug) constructor-parameter style, generalized to the fixed-bit
// masks and VPID the passthrough core needs per spec.md §4.7.
type Config struct {
	NumVCPUs int
	VPID     uint16
	CR0Mask  ia32.FixedMask
	CR4Mask  ia32.FixedMask
	Debug    bool
}

// Hypervisor is the process-wide façade: one KVM VM, one EPT table, one
// shadow-page list, and cfg.NumVCPUs VCpu instances, all created by
// Initialize and torn down by Destroy.
type Hypervisor struct {
	mu      sync.Mutex
	kvmFD   int
	vmFD    int
	bridge  *hostbridge.Bridge
	vcpus   []*vcpu.VCpu
	handler *exithandler.Table
	ept     *ept.Table
	shadow  *shadowpage.List
}

// Initialize is spec.md's initialize(): verify capabilities, allocate a
// vCPU object per logical CPU. Capability verification itself is Check's
// job (callers are expected to call Check before Start, matching the
// teacher's pattern of failing fast in the constructor on any ioctl
// error), so Initialize here focuses on resource creation: KVM_CREATE_VM,
// the EPT table, the shared shadow-page list, and cfg.NumVCPUs vCPUs,
// each wired to the same PassthroughHandler-backed exithandler.Table.
func Initialize(cfg Config, info *platform.Info, bridge *hostbridge.Bridge) (*Hypervisor, error) {
	if cfg.NumVCPUs <= 0 {
		cfg.NumVCPUs = 1
	}

	kvmFD, err := kvmsys.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("hypervisor: %w", err)
	}
	vmFD, err := kvmsys.CreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VM: %w", err)
	}

	// Same per-VM setup sequence gokvm's Machine.New runs immediately
	// after KVM_CREATE_VM: TSS/identity-map scratch addresses, then an
	// in-kernel IRQ chip and PIT2 so the vCPUs below can KVM_RUN at all.
	if err := kvmsys.SetTSSAddr(vmFD, tssAddr); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor: KVM_SET_TSS_ADDR: %w", err)
	}
	if err := kvmsys.SetIdentityMapAddr(vmFD, identityMapAddr); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	if err := kvmsys.CreateIRQChip(vmFD); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_IRQCHIP: %w", err)
	}
	if err := kvmsys.CreatePIT2(vmFD); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_PIT2: %w", err)
	}

	h := &Hypervisor{
		kvmFD:  kvmFD,
		vmFD:   vmFD,
		bridge: bridge,
		ept:    ept.Initialize(info),
		shadow: &shadowpage.List{},
	}

	tbl := exithandler.NewDefaultTable()
	passthrough.NewHandler(cfg.VPID, cfg.CR0Mask, cfg.CR4Mask).Install(tbl)
	h.handler = tbl

	ports := &ia32.Ports{}
	for i := 0; i < cfg.NumVCPUs; i++ {
		v, err := vcpu.New(vmFD, kvmFD, i, h.ept, h.shadow, ports)
		if err != nil {
			h.Destroy()
			return nil, fmt.Errorf("hypervisor: vcpu %d: %w", i, err)
		}
		v.SetExitHandler(tbl)
		h.vcpus = append(h.vcpus, v)
	}

	return h, nil
}

// cpuIndices is the cpus argument every IPICall fan-out in this package
// shares: one entry per configured vCPU slot.
func (h *Hypervisor) cpuIndices() []int {
	cpus := make([]int, len(h.vcpus))
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// Check is spec.md's check(): broadcast an IPI; on each CPU verify the
// ioctl surface Initialize depends on is present. Returns true iff every
// CPU passed.
func (h *Hypervisor) Check() (bool, error) {
	var allOK int32 = 1
	err := h.bridge.IPICall(h.cpuIndices(), func(cpuIndex int) error {
		for _, cap := range []int{capUserMemory, capSetTSSAddr, capExtCPUID} {
			v, err := kvmsys.CheckExtension(h.kvmFD, cap)
			if err != nil {
				return fmt.Errorf("KVM_CHECK_EXTENSION(%d): %w", cap, err)
			}
			if v == 0 {
				atomic.StoreInt32(&allOK, 0)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return atomic.LoadInt32(&allOK) == 1, nil
}

// Start is spec.md's start(handler): broadcast an IPI that executes, on
// each CPU in turn, vcpu[cpu_id].set_exit_handler(handler);
// vcpu[cpu_id].launch(). A nil handler keeps whatever table Initialize
// already wired. Launch blocks until its vCPU terminates, so Start
// itself blocks until every vCPU has (the same "wait for every goroutine"
// shape as the teacher's VirtualMachine.Run, here provided by
// hostbridge.Bridge.IPICall's WaitGroup fan-out instead of a bespoke
// channel).
func (h *Hypervisor) Start(handler *exithandler.Table) error {
	h.mu.Lock()
	if handler != nil {
		h.handler = handler
	}
	h.mu.Unlock()

	return h.bridge.IPICall(h.cpuIndices(), func(cpuIndex int) error {
		v := h.vcpus[cpuIndex]
		h.mu.Lock()
		v.SetExitHandler(h.handler)
		h.mu.Unlock()
		return v.Launch()
	})
}

// Stop is spec.md's stop(): broadcast an IPI that terminates every vCPU.
// spec.md phrases this as "via the terminate VMCALL"; that VMCALL is
// guest-issued by construction (the guest must execute it from CPL 0),
// so the host-side equivalent a management thread can actually invoke is
// VCpu.Terminate(), the same flag handleVMCall itself sets when it
// observes the terminate selector at CPL 0.
func (h *Hypervisor) Stop() error {
	return h.bridge.IPICall(h.cpuIndices(), func(cpuIndex int) error {
		h.vcpus[cpuIndex].Terminate()
		return nil
	})
}

// Destroy is spec.md's destroy(): frees vCPUs, then the KVM VM and
// device handles. Idempotent and safe on a partially initialized
// Hypervisor, matching spec.md §7's unwind policy.
func (h *Hypervisor) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, v := range h.vcpus {
		v.Close()
	}
	h.vcpus = nil

	var err error
	if h.vmFD != 0 {
		if e := unix.Close(h.vmFD); e != nil {
			err = e
		}
		h.vmFD = 0
	}
	if h.kvmFD != 0 {
		if e := unix.Close(h.kvmFD); e != nil {
			err = e
		}
		h.kvmFD = 0
	}
	return err
}
