package capability

import "testing"

func TestProbeNeverPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Probe panicked: %v", r)
		}
	}()
	r := Probe()
	// Probe on any CI host must at least agree with its own parts.
	if r.WasmRuntime != SupportsWasmRuntime() {
		t.Error("Report.WasmRuntime disagrees with SupportsWasmRuntime")
	}
}

func TestReportCanRun(t *testing.T) {
	tests := []struct {
		name     string
		report   Report
		expected bool
	}{
		{"both supported", Report{WasmRuntime: true, AcceleratedGraphics: true}, true},
		{"runtime only", Report{WasmRuntime: true}, false},
		{"graphics only", Report{AcceleratedGraphics: true}, false},
		{"neither", Report{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.report.CanRun(); got != tt.expected {
				t.Errorf("CanRun() = %v, want %v", got, tt.expected)
			}
		})
	}
}
