package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/wasmhost/pkg/lifecycle"
)

var statusHost string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the lifecycle status of a running host",
	Long:  `Retrieve and display the module lifecycle status from a running wasmhost instance.`,
	RunE:  runStatus,
}

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the lifecycle history of a running host",
	Long:  `Retrieve and display the committed lifecycle events from a running wasmhost instance.`,
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)

	statusCmd.Flags().StringVar(&statusHost, "host", "http://localhost:8090", "wasmhost status endpoint")
	eventsCmd.Flags().StringVar(&statusHost, "host", "http://localhost:8090", "wasmhost status endpoint")
}

func fetchJSON(url string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to wasmhost: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("wasmhost returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	url := strings.TrimRight(statusHost, "/") + "/status"

	var st statusResponse
	if err := fetchJSON(url, &st); err != nil {
		return err
	}

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Instance", st.InstanceID})
	table.Append([]string{"Status", st.Status})
	table.Append([]string{"Crashed", yesNo(st.Crashed)})
	if st.ExitCode != nil {
		table.Append([]string{"Exit Code", fmt.Sprintf("%d", *st.ExitCode)})
	}
	if st.ExitText != "" {
		table.Append([]string{"Exit Text", st.ExitText})
	}
	table.Append([]string{"Restarts", fmt.Sprintf("%d", st.RestartCount)})
	table.Append([]string{"Module Runtime", yesNo(st.WasmRuntime)})
	table.Append([]string{"Accelerated Graphics", yesNo(st.AcceleratedGraphics)})
	table.Render()

	return nil
}

type eventsResponse struct {
	InstanceID string            `json:"instance_id"`
	Events     []lifecycle.Event `json:"events"`
}

func runEvents(cmd *cobra.Command, args []string) error {
	url := strings.TrimRight(statusHost, "/") + "/events"

	var resp eventsResponse
	if err := fetchJSON(url, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Status", "Crashed", "Restarts", "Message")
	for _, ev := range resp.Events {
		table.Append([]string{
			ev.Timestamp.Format("15:04:05"),
			string(ev.Status),
			yesNo(ev.Crashed),
			fmt.Sprintf("%d", ev.RestartCount),
			ev.Message,
		})
	}
	table.Render()

	return nil
}
