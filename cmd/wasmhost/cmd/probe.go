package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/wasmhost/pkg/capability"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe host capabilities",
	Long: `Probe checks whether this host can run application modules: a usable
runtime for the module's binary format and accelerated graphics support.
The command fails when the host cannot run modules, so it can gate
deployments in scripts.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

type probeResult struct {
	capability.Report `json:",inline" yaml:",inline"`
	CanRun            bool   `json:"can_run" yaml:"can_run"`
	OS                string `json:"os" yaml:"os"`
	Arch              string `json:"arch" yaml:"arch"`
	CPUThreads        int    `json:"cpu_threads" yaml:"cpu_threads"`
	RAMTotalBytes     uint64 `json:"ram_total_bytes" yaml:"ram_total_bytes"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	report := capability.Probe()

	result := probeResult{
		Report: report,
		CanRun: report.CanRun(),
		OS:     runtime.GOOS,
		Arch:   runtime.GOARCH,
	}
	if threads, err := cpu.Counts(true); err == nil {
		result.CPUThreads = threads
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		result.RAMTotalBytes = vm.Total
	}

	switch {
	case IsJSONOutput():
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	case IsYAMLOutput():
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
	default:
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Capability", "Available")
		table.Append([]string{"Module runtime", yesNo(report.WasmRuntime)})
		table.Append([]string{"Accelerated graphics", yesNo(report.AcceleratedGraphics)})
		table.Append([]string{"Can run modules", yesNo(result.CanRun)})
		table.Append([]string{"Platform", result.OS + "/" + result.Arch})
		if result.CPUThreads > 0 {
			table.Append([]string{"CPU threads", fmt.Sprintf("%d", result.CPUThreads)})
		}
		if result.RAMTotalBytes > 0 {
			table.Append([]string{"Total RAM", fmt.Sprintf("%.2f GB", float64(result.RAMTotalBytes)/(1024*1024*1024))})
		}
		table.Render()
	}

	if !result.CanRun {
		return fmt.Errorf("this host cannot run application modules")
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
