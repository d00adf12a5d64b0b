// Package host reports capabilities of the machine the tuner runs on.
package host

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUInfo is an immutable snapshot of the instruction-set features that
// influence quantisation defaults.  Build it once with DetectCPU and pass it
// down explicitly.
type CPUInfo struct {
	Arch   string
	Cores  int
	AVX2   bool
	AVX512 bool
	// VNNI reports int8 dot-product acceleration (AVX512-VNNI on x86,
	// the dot-product extension on arm64).
	VNNI bool
	// BF16 reports native bfloat16 arithmetic.
	BF16 bool
}

// DetectCPU queries the running processor.
func DetectCPU() CPUInfo {
	info := CPUInfo{
		Arch:  runtime.GOARCH,
		Cores: runtime.NumCPU(),
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		info.AVX2 = cpu.X86.HasAVX2
		info.AVX512 = cpu.X86.HasAVX512F
		if info.AVX512 {
			info.VNNI = cpu.X86.HasAVX512VNNI
			info.BF16 = cpu.X86.HasAVX512BF16
		}
	case "arm64":
		info.VNNI = cpu.ARM64.HasASIMDDP
	}
	return info
}

// ReduceRange reports whether activation observers should drop one bit of
// range.  Without int8 dot-product support the 16-bit accumulation path can
// saturate on full-range inputs.
func (c CPUInfo) ReduceRange() bool {
	return !c.VNNI
}
