//go:build amd64

package ia32

// CPUID, RDTSC, and RDTSCP are implemented in native_amd64.s: bare
// opcodes, used by microhv/passthrough to execute
// handle_execute_cpuid/rdtsc/rdtscp natively, exactly as spec.md §4.7
// specifies ("executes cpuid(eax,ecx) on the host", "execute natively").
//
// WBINVD, XSETBV, RDMSR, and WRMSR are deliberately NOT given native
// thunks: spec.md's root-mode code runs at CPL 0, where those
// instructions are legal; microhv runs as an ordinary unprivileged
// userspace process, where all four would fault with #GP. passthrough
// therefore implements them against the KVM-mediated equivalents
// instead (see passthrough's handleWBINVD/handleXSETBV/handleRDMSR/
// handleWRMSR and DESIGN.md's ring-3 justification) rather than via a
// native thunk that would crash the VMM.
func CPUID(eax, ecx uint32) (a, b, c, d uint32)
func RDTSC() (eax, edx uint32)
func RDTSCP() (eax, edx, ecx uint32)
