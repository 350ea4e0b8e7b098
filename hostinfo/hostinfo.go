// Package hostinfo fingerprints the machine a training run executes on.
// The registry stamps every run with it, so results can be traced back to
// the hardware that produced them.
package hostinfo

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Host is a point-in-time description of the local machine.
type Host struct {
	Hostname string
	OS       string
	Arch     string
	NumCPU   int
	CPUBrand string
	Features []string
}

// Vector extensions worth recording for numeric workloads.
var vectorFeatures = []cpuid.FeatureID{
	cpuid.SSE4,
	cpuid.AVX,
	cpuid.AVX2,
	cpuid.AVX512F,
	cpuid.AVX512BW,
	cpuid.FMA3,
}

// Collect reads the host fingerprint. It never fails; fields that cannot be
// determined are left empty.
func Collect() Host {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var features []string
	for _, feature := range vectorFeatures {
		if cpuid.CPU.Supports(feature) {
			features = append(features, feature.String())
		}
	}

	return Host{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		NumCPU:   runtime.NumCPU(),
		CPUBrand: strings.TrimSpace(cpuid.CPU.BrandName),
		Features: features,
	}
}

// String renders the fingerprint as a single registry-friendly line.
func (h Host) String() string {
	parts := []string{h.Hostname, h.OS + "/" + h.Arch, fmt.Sprintf("%d cores", h.NumCPU)}
	if h.CPUBrand != "" {
		parts = append(parts, h.CPUBrand)
	}
	if len(h.Features) > 0 {
		parts = append(parts, strings.Join(h.Features, "+"))
	}
	return strings.Join(parts, ", ")
}
