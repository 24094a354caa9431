// Package ia32 provides the IA-32e register and descriptor abstractions
// spec.md §4.3 calls Ia32Abstractions, reinterpreted onto the KVM
// register surface: CR0/CR4/DR6/DR7/RFLAGS bitfield wrappers, a 64-bit
// segment descriptor type generalized from the teacher's
// hypervisor.GDTEntry, a generic fixed-mask adjuster, and a set of VMX
// instruction wrappers that either forward to microhv/kvmsys or record a
// documented no-op where KVM already performs the hardware's job.
package ia32

// CR0 bits relevant to mode transitions and cache control (SDM Vol. 3,
// §2.5).
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31
)

// CR4 bits this module cares about.
const (
	CR4VME        uint64 = 1 << 0
	CR4PVI        uint64 = 1 << 1
	CR4TSD        uint64 = 1 << 2
	CR4DE         uint64 = 1 << 3
	CR4PSE        uint64 = 1 << 4
	CR4PAE        uint64 = 1 << 5
	CR4VMXE       uint64 = 1 << 13
	CR4SMXE       uint64 = 1 << 14
	CR4PCIDE      uint64 = 1 << 17
	CR4OSXSAVE    uint64 = 1 << 18
)

// RFLAGS bits the passthrough handler consults for CPL/string-direction
// and trap-flag decisions.
const (
	RFlagsCF uint64 = 1 << 0
	RFlagsPF uint64 = 1 << 2
	RFlagsAF uint64 = 1 << 4
	RFlagsZF uint64 = 1 << 6
	RFlagsSF uint64 = 1 << 7
	RFlagsTF uint64 = 1 << 8
	RFlagsIF uint64 = 1 << 9
	RFlagsDF uint64 = 1 << 10
	RFlagsOF uint64 = 1 << 11
	RFlagsVM uint64 = 1 << 17
)

// DR6/DR7 reserved-bit masks (SDM Vol. 3, §17.2.6): bits that must always
// read as 1 (DR6) and the one bit (DR7 bit 10) that must always read as
// 1. handle_mov_dr in microhv/passthrough does not apply them.
const (
	DR6Fixed1 uint64 = 0xFFFF0FF0
	DR6Mask   uint64 = 0x0000000F | 1<<13 | 1<<14 | 1<<15
	DR7Fixed1 uint64 = 1 << 10
	DR7Mask   uint64 = 0xFFFF2FFF
)

// FixedMask pairs a FIXED0/FIXED1-style bit mask: bits forced to 1 and
// bits forced to 0. Under bare VMX these come from the VMX_CRn_FIXED0/1
// MSRs; under KVM those MSRs aren't readable from userspace, so the
// CR0/CR4 masks are supplied by the caller through hypervisor.Config and
// passed into Adjust at use time.
type FixedMask struct {
	Fixed1 uint64 // bits that must be 1
	Fixed0 uint64 // bits that must be 0 (stored already inverted: 1 = must be 0)
}

// Adjust forces value's bits to satisfy mask, the same bit-forcing
// spec.md §4.3 requires before any CR0/CR4/DR6/DR7 write reaches
// hardware.
func Adjust(value uint64, mask FixedMask) uint64 {
	value |= mask.Fixed1
	value &^= mask.Fixed0
	return value
}

// Segment is a 64-bit-aware segment descriptor, generalized from the
// teacher's 32-bit hypervisor.GDTEntry to the full descriptor shape
// original_source's vmexit_passthrough.cpp reads off VMCS guest-segment
// fields (base/limit/selector/access rights as one struct, rather than
// the packed byte layout a literal GDT entry needs in memory).
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Type     uint8
	S        bool // descriptor type: 0 = system, 1 = code/data
	DPL      uint8
	Present  bool
	AVL      bool
	L        bool // 64-bit code segment
	DB       bool // default operand size
	Granularity bool // 0 = byte, 1 = 4KB page
	Unusable    bool
}

// AccessRights packs Segment's attribute bits into the VMCS
// guest-access-rights layout (SDM Vol. 3, §24.4.1), the form
// vmexit_passthrough.cpp's GDTR/IDTR/LDTR handlers compare against.
func (s Segment) AccessRights() uint32 {
	if s.Unusable {
		return 1 << 16
	}
	var ar uint32
	ar |= uint32(s.Type) & 0xF
	if s.S {
		ar |= 1 << 4
	}
	ar |= uint32(s.DPL&0x3) << 5
	if s.Present {
		ar |= 1 << 7
	}
	if s.AVL {
		ar |= 1 << 12
	}
	if s.L {
		ar |= 1 << 13
	}
	if s.DB {
		ar |= 1 << 14
	}
	if s.Granularity {
		ar |= 1 << 15
	}
	return ar
}

// DescriptorTableRegister mirrors GDTR/IDTR: a 64-bit linear base and a
// 16-bit limit. LGDT/LIDT/SGDT/SIDT decode or emit this shape, switching
// between a 6-byte (32-bit base) and 10-byte (64-bit base) memory layout
// depending on long mode, per original_source's handle_gdtr_idtr_access.
type DescriptorTableRegister struct {
	Base  uint64
	Limit uint16
}

// Encode writes dtr to the guest-memory layout LGDT/LIDT/SGDT/SIDT use:
// 10 bytes (2-byte limit + 8-byte base) in long mode, 6 bytes (2-byte
// limit + 4-byte base) otherwise.
func (dtr DescriptorTableRegister) Encode(longMode bool) []byte {
	if longMode {
		buf := make([]byte, 10)
		buf[0] = byte(dtr.Limit)
		buf[1] = byte(dtr.Limit >> 8)
		putUint64(buf[2:], dtr.Base)
		return buf
	}
	buf := make([]byte, 6)
	buf[0] = byte(dtr.Limit)
	buf[1] = byte(dtr.Limit >> 8)
	putUint32(buf[2:], uint32(dtr.Base))
	return buf
}

// DecodeDescriptorTableRegister is the inverse of Encode, used by
// handle_gdtr_idtr_access when the guest executes LGDT/LIDT.
func DecodeDescriptorTableRegister(buf []byte, longMode bool) DescriptorTableRegister {
	limit := uint16(buf[0]) | uint16(buf[1])<<8
	if longMode {
		return DescriptorTableRegister{Base: getUint64(buf[2:]), Limit: limit}
	}
	return DescriptorTableRegister{Base: uint64(getUint32(buf[2:])), Limit: limit}
}

func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b)) | uint64(getUint32(b[4:]))<<32
}
