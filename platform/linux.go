package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LinuxProvider reads physical memory ranges from /proc/iomem, the
// nearest Linux equivalent of the host OS physical memory descriptor
// spec.md §3 says PlatformInfo is built from. MTRR state is supplied by
// the caller (decoding IA32_MTRR_* MSRs from userspace requires root and
// is out of scope per spec.md §1), defaulting to WB-everywhere if none
// is given, which matches a typical modern x86-64 host.
type LinuxProvider struct {
	IOMemPath string
	MTRR      MTRRState
}

func NewLinuxProvider() *LinuxProvider {
	return &LinuxProvider{
		IOMemPath: "/proc/iomem",
		MTRR:      MTRRState{Default: WB},
	}
}

func (p *LinuxProvider) CPUCount() int { return runtime.NumCPU() }

func (p *LinuxProvider) MTRRState() (MTRRState, error) { return p.MTRR, nil }

// MemoryRanges parses lines of the form:
//
//	00000000-0009fbff : System RAM
//
// into contiguous System RAM ranges, tagged WB (the default type for
// ordinary RAM absent a contradicting MTRR).
func (p *LinuxProvider) MemoryRanges() ([]Range, error) {
	f, err := os.Open(p.IOMemPath)
	if err != nil {
		return nil, fmt.Errorf("platform: opening %s: %w", p.IOMemPath, err)
	}
	defer f.Close()

	var ranges []Range
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, " ") {
			continue // nested entries, not top-level physical ranges
		}
		if !strings.Contains(line, "System RAM") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		span := strings.TrimSpace(parts[0])
		bounds := strings.SplitN(span, "-", 2)
		if len(bounds) != 2 {
			continue
		}
		begin, err1 := strconv.ParseUint(bounds[0], 16, 64)
		end, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		ranges = append(ranges, Range{Begin: begin, End: end + 1, Type: WB})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("platform: scanning %s: %w", p.IOMemPath, err)
	}
	return ranges, nil
}
