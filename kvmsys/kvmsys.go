// Package kvmsys wraps the Linux KVM ioctl surface microhv drives a
// guest through. It plays the role spec.md §4.3 gives to bare VMX
// instruction intrinsics (vmxon/vmxoff/vmlaunch/vmresume/vmread/vmwrite):
// every exported function here is a thin, typed wrapper over one ioctl,
// grounded on the teacher's core_engine/hypervisor/kvm.go and on the
// pack's other KVM-based VMMs (bobuhiro11/gokvm's kvm/kvm.go, gVisor's
// pkg/sentry/platform/kvm/kvm.go), upgraded from raw syscall numbers to
// golang.org/x/sys/unix's ioctl/errno layer.
package kvmsys

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request codes, encoded the same way <linux/kvm.h> does
// (direction/size/type/nr packed into the low 32 bits); values match the
// stable userspace ABI.
const (
	kvmGetAPIVersion          = 0xAE00
	kvmCreateVM               = 0xAE01
	kvmGetVCPUMMapSize        = 0xAE04
	kvmCreateVCPU             = 0xAE41
	kvmRun                    = 0xAE80
	kvmGetRegs                = 0x8090AE81
	kvmSetRegs                = 0x4090AE82
	kvmGetSregs               = 0x8138AE83
	kvmSetSregs               = 0x4138AE84
	kvmSetUserMemoryRegion    = 0x4020AE46
	kvmSetTSSAddr             = 0xAE47
	kvmSetIdentityMapAddr     = 0x4008AE48
	kvmCreateIRQChip          = 0xAE60
	kvmCreatePIT2             = 0x4040AE77
	kvmGetSupportedCPUID      = 0xC008AE05
	kvmSetCPUID2              = 0x4008AE90
	kvmCheckExtension         = 0xAE03
	kvmEnableCap              = 0x4068AEA3
	kvmHyperv2                = 0
)

// Exit reasons as reported by kvm_run.exit_reason. These are KVM's own
// numbering, distinct from the Intel VMX exit-reason space spec.md §4.6
// requires; microhv/vcpu translates between the two (see
// vcpu.VCpu.translateExitReason).
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
	ExitSystemEvent   = 24
	ExitX86RDMSR      = 29
	ExitX86WRMSR      = 30

	IODirectionIn  = 0
	IODirectionOut = 1
)

const KVMCapX86UserSpaceMSR = 188

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return res, nil
}

// OpenDevice opens /dev/kvm for driving the in-kernel VMX implementation.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("kvmsys: opening /dev/kvm: %w", err)
	}
	return fd, nil
}

func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	return int(fd), err
}

func CreateVCPU(vmFD int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, 0)
	return int(fd), err
}

func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, kvmRun, 0)
	if err == unix.EINTR {
		return nil
	}
	return err
}

func GetVCPUMMapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, kvmGetVCPUMMapSize, 0)
	return int(sz), err
}

func CheckExtension(kvmFD int, cap int) (int, error) {
	v, err := ioctl(kvmFD, kvmCheckExtension, uintptr(cap))
	return int(v), err
}

// Regs mirrors struct kvm_regs: the spec's ExitContext GPR set plus
// RIP/RFLAGS.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

func GetRegs(vcpuFD int) (Regs, error) {
	var r Regs
	_, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&r)))
	return r, err
}

func SetRegs(vcpuFD int, r Regs) error {
	_, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(&r)))
	return err
}

// Segment mirrors struct kvm_segment, the KVM analogue of spec.md's
// segment-descriptor wrapper.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs: every segment register, the
// descriptor-table registers, and the control/debug registers spec.md
// §4.3 wraps individually (CR0/CR2/CR3/CR4, EFER).
type Sregs struct {
	CS, DS, ES, FS, GS, SS   Segment
	TR, LDT                  Segment
	GDT, IDT                 DTable
	CR0, CR2, CR3, CR4, CR8  uint64
	EFER                     uint64
	ApicBase                 uint64
	InterruptBitmap          [(numInterrupts + 63) / 64]uint64
}

func GetSregs(vcpuFD int) (Sregs, error) {
	var s Sregs
	_, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&s)))
	return s, err
}

func SetSregs(vcpuFD int, s Sregs) error {
	_, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(&s)))
	return err
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region: one
// EPT-identity-map leaf, translated into a KVM memory slot (see
// microhv/ept's slot bridge).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func SetUserMemoryRegion(vmFD int, r UserspaceMemoryRegion) error {
	_, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&r)))
	return err
}

func SetTSSAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, kvmSetTSSAddr, uintptr(addr))
	return err
}

func SetIdentityMapAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	return err
}

func CreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, kvmCreateIRQChip, 0)
	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFD int) error {
	cfg := pitConfig{}
	_, err := ioctl(vmFD, kvmCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	return err
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

func GetSupportedCPUID(kvmFD int) (*CPUID, error) {
	c := &CPUID{Nent: maxCPUIDEntries}
	_, err := ioctl(kvmFD, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c)))
	return c, err
}

func SetCPUID2(vcpuFD int, c *CPUID) error {
	_, err := ioctl(vcpuFD, kvmSetCPUID2, uintptr(unsafe.Pointer(c)))
	return err
}

// RunData mirrors the leading, architecture-independent fields of
// struct kvm_run, laid out to match the real C struct's field offsets
// (verified against the pack's other KVM-based VMMs). The
// architecture-specific union that follows (the vcpu_run.s.io/.mmio/...
// member) is represented here as a flat Data array and decoded by IO(),
// mirroring gokvm's RunData.IO.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// MapRunData overlays a RunData onto the mmap'd kvm_run page for vcpuFD.
func MapRunData(mmap []byte) *RunData {
	return (*RunData)(unsafe.Pointer(&mmap[0]))
}

// IO decodes the KVM_EXIT_IO union: direction, operand size, port,
// repeat count, and the byte offset (from the start of the kvm_run page)
// where the data buffer for this I/O lives.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]
	return
}

// Hypercall decodes the leading fields of the KVM_EXIT_HYPERCALL union:
// the hypercall number (nr) and the first three arguments (args[0..2]).
func (r *RunData) Hypercall() (nr, arg0, arg1, arg2 uint64) {
	return r.Data[0], r.Data[1], r.Data[2], r.Data[3]
}
