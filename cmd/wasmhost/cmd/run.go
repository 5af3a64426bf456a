package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/wasmhost/pkg/display"
	"github.com/psantana5/wasmhost/pkg/events"
	"github.com/psantana5/wasmhost/pkg/journal"
	"github.com/psantana5/wasmhost/pkg/lifecycle"
	"github.com/psantana5/wasmhost/pkg/loader"
	"github.com/psantana5/wasmhost/pkg/logging"
	"github.com/psantana5/wasmhost/pkg/metrics"
	"github.com/psantana5/wasmhost/pkg/procmodule"
	"github.com/psantana5/wasmhost/pkg/restart"
	"github.com/psantana5/wasmhost/pkg/shutdown"
	"github.com/psantana5/wasmhost/pkg/tracing"
)

var (
	runPathPrefix   string
	runRestartMode  string
	runRestartType  string
	runRestartLimit int
	runEnv          []string
	runListen       string
	runNATSURL      string
	runOTLPEndpoint string
	runNoStdout     bool
	runNoStderr     bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <module-binary> [args...]",
	Short: "Run a module under lifecycle supervision",
	Long: `Run starts the given module binary, tracks its lifecycle, serves status
and metrics over HTTP, and applies the configured restart policy when the
module terminates.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runModule,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPathPrefix, "path-prefix", "", "prefix prepended to the module binary path")
	runCmd.Flags().StringVar(&runRestartMode, "restart", "never", "restart policy: never, on_exit or on_crash")
	runCmd.Flags().StringVar(&runRestartType, "restart-type", "module", "restart mechanism: module or reload_host")
	runCmd.Flags().IntVar(&runRestartLimit, "restart-limit", 10, "maximum automatic restarts")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "KEY=VALUE passed to the module (repeatable)")
	runCmd.Flags().StringVar(&runListen, "listen", ":8090", "address for the status and metrics endpoints")
	runCmd.Flags().StringVar(&runNATSURL, "nats-url", "", "publish lifecycle events to this NATS server")
	runCmd.Flags().StringVar(&runOTLPEndpoint, "otlp-endpoint", "", "export traces to this OTLP HTTP endpoint")
	runCmd.Flags().BoolVar(&runNoStdout, "no-module-stdout", false, "drop the module's stdout")
	runCmd.Flags().BoolVar(&runNoStderr, "no-module-stderr", false, "drop the module's stderr")
}

func runModule(cmd *cobra.Command, args []string) error {
	log := newLogger()

	mode, err := restart.ParseMode(runRestartMode)
	if err != nil {
		return err
	}
	rtype, err := restart.ParseType(runRestartType)
	if err != nil {
		return err
	}
	env, err := parseEnv(runEnv)
	if err != nil {
		return err
	}

	natsURL := runNATSURL
	if natsURL == "" {
		natsURL = viper.GetString("nats_url")
	}
	otlpEndpoint := runOTLPEndpoint
	if otlpEndpoint == "" {
		otlpEndpoint = viper.GetString("otlp_endpoint")
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "wasmhost",
		ServiceVersion: Version,
		Environment:    viper.GetString("environment"),
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        otlpEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	runCtx, span := tracer.StartSpan(cmd.Context(), "wasmhost.run")
	defer span.End()

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	hist := journal.New(0)

	cfg := loader.DefaultConfig()
	cfg.Presenters = logPresenters(log)
	cfg.PathPrefix = runPathPrefix
	cfg.RestartMode = mode
	cfg.RestartType = rtype
	cfg.RestartLimit = runRestartLimit
	cfg.StdoutEnabled = !runNoStdout
	cfg.StderrEnabled = !runNoStderr
	cfg.Env = env
	cfg.Logger = log
	cfg.Metrics = collector
	cfg.Journal = hist
	cfg.ReloadHost = func() { reloadHost(log) }

	// terminal receives the process exit code once the module settles in a
	// state no policy will leave.
	terminal := make(chan int, 1)
	var publisher *events.Publisher

	var ld *loader.Loader
	cfg.OnStatusChanged = func(st lifecycle.Status) {
		tracing.AddEvent(runCtx, "lifecycle."+string(st),
			attribute.Bool("crashed", ld.Crashed()),
			attribute.Int("restart_count", ld.RestartCount()))

		if publisher != nil {
			code, hasCode := ld.ExitCode()
			var codePtr *int
			if hasCode {
				codePtr = &code
			}
			publisher.PublishEvent(lifecycle.Event{
				Status:       st,
				Timestamp:    time.Now(),
				Crashed:      ld.Crashed(),
				ExitCode:     codePtr,
				Message:      ld.ExitText(),
				RestartCount: ld.RestartCount(),
			})
		}

		switch st {
		case lifecycle.StatusError:
			select {
			case terminal <- 1:
			default:
			}
		case lifecycle.StatusExited:
			if ld.RestartPending() {
				return
			}
			code, ok := ld.ExitCode()
			if !ok {
				code = 1
			}
			select {
			case terminal <- code:
			default:
			}
		}
	}

	ld, err = loader.New(cfg)
	if err != nil {
		return err
	}

	if !ld.CanLoadApplication() {
		log.Warn("host capability probe failed; the module will not start",
			map[string]interface{}{
				"wasm_runtime":         ld.WasmSupported(),
				"accelerated_graphics": ld.GraphicsSupported(),
			})
	}

	if natsURL != "" {
		publisher, err = events.NewPublisher(natsURL, ld.InstanceID(), log)
		if err != nil {
			return err
		}
	}

	runner := &procmodule.Runner{
		Command: args[0],
		Args:    args[1:],
		Logger:  log,
	}

	mgr := shutdown.New(30*time.Second, log)
	mgr.Register(func(ctx context.Context) error { ld.Close(); return nil })
	mgr.Register(func(ctx context.Context) error { runner.Stop(); return nil })
	if publisher != nil {
		mgr.Register(func(ctx context.Context) error { publisher.Close(); return nil })
	}
	mgr.Register(tracer.Shutdown)

	srv := newStatusServer(runListen, ld, hist, registry)
	mgr.Register(shutdown.StopHTTPServer(srv))
	go func() {
		log.Info("status server listening", map[string]interface{}{"addr": runListen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	log.Info("loading module", map[string]interface{}{
		"command": args[0],
		"restart": string(mode),
		"limit":   runRestartLimit,
	})
	ld.LoadApplication(runner.Factory())

	sigDone := make(chan struct{})
	go func() {
		mgr.Wait()
		close(sigDone)
	}()

	select {
	case code := <-terminal:
		log.Info("module reached a terminal state", map[string]interface{}{"exit_code": code})
		mgr.Shutdown()
		if code != 0 {
			os.Exit(code)
		}
		return nil
	case <-sigDone:
		return nil
	}
}

// logPresenters turns lifecycle presentations into log lines; a headless
// host has no display to manage.
func logPresenters(log *logging.Logger) display.Presenters {
	return display.Presenters{
		Loading: func(display.Context) display.Surface {
			log.Info("module loading")
			return nil
		},
		Running: func(display.Context) display.Surface {
			log.Info("module running")
			return nil
		},
		Error: func(ctx display.Context) display.Surface {
			log.Error("module error", map[string]interface{}{"message": ctx.Message})
			return nil
		},
		Exited: func(ctx display.Context) display.Surface {
			log.Error("module crashed", map[string]interface{}{"message": ctx.Message})
			return nil
		},
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env value %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// reloadHost replaces the host process with a fresh copy of itself, the
// closest a CLI host comes to a page reload.
func reloadHost(log *logging.Logger) {
	exe, err := os.Executable()
	if err != nil {
		log.Error("host reload failed", map[string]interface{}{"error": err.Error()})
		return
	}
	log.Info("reloading host process")
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		log.Error("host reload failed", map[string]interface{}{"error": err.Error()})
	}
}

type statusResponse struct {
	InstanceID          string  `json:"instance_id"`
	Status              string  `json:"status"`
	Crashed             bool    `json:"crashed"`
	ExitCode            *int    `json:"exit_code,omitempty"`
	ExitText            string  `json:"exit_text,omitempty"`
	RestartCount        int     `json:"restart_count"`
	WasmRuntime         bool    `json:"wasm_runtime"`
	AcceleratedGraphics bool    `json:"accelerated_graphics"`
}

func newStatusServer(addr string, ld *loader.Loader, hist *journal.Journal, registry *prometheus.Registry) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")

	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			InstanceID:          ld.InstanceID(),
			Status:              string(ld.Status()),
			Crashed:             ld.Crashed(),
			ExitText:            ld.ExitText(),
			RestartCount:        ld.RestartCount(),
			WasmRuntime:         ld.WasmSupported(),
			AcceleratedGraphics: ld.GraphicsSupported(),
		}
		if code, ok := ld.ExitCode(); ok {
			resp.ExitCode = &code
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods("GET")

	router.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"instance_id": ld.InstanceID(),
			"events":      hist.Events(),
		})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
