// Package capability answers whether the current host can run the compiled
// application module at all: a usable runtime for the execution format, and
// an accelerated graphics device for the module's rendering. Probes never
// panic and never return errors; any failure of the underlying query reads
// as "not supported".
package capability

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// MinRuntimeRAMBytes is the smallest usable memory for the module's linear
// memory plus host overhead. Hosts below this cannot start the runtime.
const MinRuntimeRAMBytes = 256 << 20

// Report holds the outcome of one host probe.
type Report struct {
	WasmRuntime         bool `json:"wasm_runtime" yaml:"wasm_runtime"`
	AcceleratedGraphics bool `json:"accelerated_graphics" yaml:"accelerated_graphics"`
}

// CanRun reports whether the host can run the application at all
func (r Report) CanRun() bool {
	return r.WasmRuntime && r.AcceleratedGraphics
}

// Probe checks both capabilities once
func Probe() Report {
	return Report{
		WasmRuntime:         SupportsWasmRuntime(),
		AcceleratedGraphics: SupportsAcceleratedGraphics(),
	}
}

// SupportsWasmRuntime reports whether the host can execute the module's
// binary format: a supported 64-bit architecture, a sane CPU topology, and
// enough memory for the runtime.
func SupportsWasmRuntime() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	switch runtime.GOARCH {
	case "amd64", "arm64":
	default:
		return false
	}

	counts, err := cpu.Counts(true)
	if err != nil || counts < 1 {
		return false
	}

	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total < MinRuntimeRAMBytes {
		return false
	}

	return true
}

// SupportsAcceleratedGraphics reports whether an accelerated graphics
// device is reachable. Detection is per-OS and best effort, never fatal.
func SupportsAcceleratedGraphics() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	switch runtime.GOOS {
	case "linux":
		return detectLinuxGraphics()
	case "darwin":
		// Metal is universally available on supported macOS hardware
		return true
	case "windows":
		return detectWindowsGraphics()
	default:
		return false
	}
}

func detectLinuxGraphics() bool {
	// DRM render nodes are the cheapest reliable signal
	entries, err := filepath.Glob("/dev/dri/*")
	if err == nil && len(entries) > 0 {
		return true
	}

	// NVIDIA driver without DRM render nodes exposed
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		if smiErr := exec.Command("nvidia-smi", "-L").Run(); smiErr == nil {
			return true
		}
	}

	return false
}

func detectWindowsGraphics() bool {
	out, err := exec.Command("wmic", "path", "win32_VideoController", "get", "name").Output()
	if err != nil {
		return false
	}
	return len(out) > 0
}
