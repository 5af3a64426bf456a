package loader

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/psantana5/wasmhost/pkg/capability"
	"github.com/psantana5/wasmhost/pkg/display"
	"github.com/psantana5/wasmhost/pkg/journal"
	"github.com/psantana5/wasmhost/pkg/lifecycle"
	"github.com/psantana5/wasmhost/pkg/logging"
	"github.com/psantana5/wasmhost/pkg/restart"
)

func capableHost() *capability.Report {
	return &capability.Report{WasmRuntime: true, AcceleratedGraphics: true}
}

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

// renderCounter records presenter invocations per status
type renderCounter struct {
	loading, running, errors, exited int
	lastMessage                      string
}

func (rc *renderCounter) presenters() display.Presenters {
	return display.Presenters{
		Loading: func(display.Context) display.Surface { rc.loading++; return nil },
		Running: func(display.Context) display.Surface { rc.running++; return nil },
		Error: func(ctx display.Context) display.Surface {
			rc.errors++
			rc.lastMessage = ctx.Message
			return nil
		},
		Exited: func(ctx display.Context) display.Surface {
			rc.exited++
			rc.lastMessage = ctx.Message
			return nil
		},
	}
}

func newTestLoader(t *testing.T, mutate func(*Config)) (*Loader, *renderCounter) {
	t.Helper()
	rc := &renderCounter{}
	cfg := DefaultConfig()
	cfg.Presenters = rc.presenters()
	cfg.Capabilities = capableHost()
	cfg.Logger = quietLogger()
	cfg.Stdout = io.Discard
	cfg.Stderr = io.Discard
	if mutate != nil {
		mutate(&cfg)
	}
	ld, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ld.Close)
	return ld, rc
}

func TestLoadReachesRunning(t *testing.T) {
	ld, rc := newTestLoader(t, nil)

	var bundle *Bundle
	ld.LoadApplication(func(b *Bundle) { bundle = b })
	ld.Settle()

	if got := ld.Status(); got != lifecycle.StatusLoading {
		t.Fatalf("status after load = %v, want loading", got)
	}
	if rc.loading != 1 {
		t.Errorf("loading rendered %d times, want 1", rc.loading)
	}

	bundle.ReportStatus("Status: Running...")
	ld.Settle()

	if got := ld.Status(); got != lifecycle.StatusRunning {
		t.Fatalf("status = %v, want running", got)
	}
	if rc.running != 1 {
		t.Errorf("running rendered %d times, want 1", rc.running)
	}
}

func TestNonMarkerStatusTextIgnored(t *testing.T) {
	ld, rc := newTestLoader(t, nil)

	var bundle *Bundle
	ld.LoadApplication(func(b *Bundle) { bundle = b })
	ld.Settle()

	bundle.ReportStatus("Downloading data... (1/3)")
	bundle.ReportStatus("Preparing...")
	ld.Settle()

	if got := ld.Status(); got != lifecycle.StatusLoading {
		t.Errorf("status = %v, want loading", got)
	}
	if rc.running != 0 {
		t.Errorf("running rendered %d times, want 0", rc.running)
	}
}

func TestBurstRendersOnlyFinalStatus(t *testing.T) {
	ld, rc := newTestLoader(t, nil)

	// The module reports running and aborts in the same synchronous
	// burst; only the final status may reach the dispatcher.
	ld.LoadApplication(func(b *Bundle) {
		b.ReportStatus(RunningMarker)
		b.OnAbort("startup abort")
	})
	ld.Settle()

	if rc.running != 0 {
		t.Errorf("transient running rendered %d times, want 0", rc.running)
	}
	if rc.exited != 1 {
		t.Errorf("exited rendered %d times, want 1", rc.exited)
	}
	if got := ld.Status(); got != lifecycle.StatusExited {
		t.Errorf("status = %v, want exited", got)
	}
	if !ld.Crashed() {
		t.Error("abort must mark the exit as crashed")
	}
	if ld.ExitText() != "startup abort" {
		t.Errorf("exit text = %q", ld.ExitText())
	}
}

func TestDuplicateTerminationCommitsOnce(t *testing.T) {
	ld, rc := newTestLoader(t, nil)

	ld.LoadApplication(func(b *Bundle) {
		b.OnAbort("boom")
		b.OnAbort("boom")
	})
	ld.Settle()

	if rc.exited != 1 {
		t.Errorf("exited rendered %d times, want exactly 1", rc.exited)
	}
}

func TestCleanExitProperties(t *testing.T) {
	var statuses []lifecycle.Status
	ld, rc := newTestLoader(t, func(cfg *Config) {
		cfg.OnStatusChanged = func(s lifecycle.Status) { statuses = append(statuses, s) }
	})

	ld.LoadApplication(func(b *Bundle) {
		b.ReportStatus(RunningMarker)
		b.OnExit(0, lifecycle.OrdinaryExit(0))
	})
	ld.Settle()

	if got := ld.Status(); got != lifecycle.StatusExited {
		t.Fatalf("status = %v, want exited", got)
	}
	if ld.Crashed() {
		t.Error("clean exit must not be crashed")
	}
	code, ok := ld.ExitCode()
	if !ok || code != 0 {
		t.Errorf("ExitCode() = %d, %v; want 0, true", code, ok)
	}
	if ld.ExitText() != "" {
		t.Errorf("ExitText() = %q, want empty", ld.ExitText())
	}
	// A clean exit is deliberately invisible.
	if rc.exited != 0 {
		t.Errorf("exited rendered %d times, want 0", rc.exited)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != lifecycle.StatusExited {
		t.Errorf("observer saw %v, want final exited", statuses)
	}
}

func TestAbnormalTerminationProperties(t *testing.T) {
	ld, _ := newTestLoader(t, nil)

	ld.LoadApplication(func(b *Bundle) {
		b.ReportStatus(RunningMarker)
		b.OnExit(1, lifecycle.AbnormalExit("unreachable executed"))
	})
	ld.Settle()

	if !ld.Crashed() {
		t.Error("abnormal termination must be crashed")
	}
	if _, ok := ld.ExitCode(); ok {
		t.Error("abnormal termination must not record an exit code")
	}
	if ld.ExitText() == "" {
		t.Error("abnormal termination must record exit text")
	}
}

func TestRestartOnCrashUntilLimit(t *testing.T) {
	factoryCalls := 0
	var statuses []lifecycle.Status
	ld, rc := newTestLoader(t, func(cfg *Config) {
		cfg.RestartMode = restart.RestartOnCrash
		cfg.RestartLimit = 2
		cfg.OnStatusChanged = func(s lifecycle.Status) { statuses = append(statuses, s) }
	})

	ld.LoadApplication(func(b *Bundle) {
		factoryCalls++
		b.OnAbort("crash")
	})
	ld.Settle()

	// Initial load plus exactly two policy restarts.
	if factoryCalls != 3 {
		t.Errorf("factory invoked %d times, want 3", factoryCalls)
	}
	if got := ld.RestartCount(); got != 2 {
		t.Errorf("RestartCount() = %d, want 2", got)
	}
	if got := ld.Status(); got != lifecycle.StatusError {
		t.Errorf("status = %v, want error", got)
	}
	if rc.errors != 1 {
		t.Errorf("error rendered %d times, want 1", rc.errors)
	}
	if !strings.Contains(rc.lastMessage, "failed repeatedly") {
		t.Errorf("halt message = %q", rc.lastMessage)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != lifecycle.StatusError {
		t.Errorf("observer saw %v, want final error", statuses)
	}
}

func TestObserverSeesCommittedCrashState(t *testing.T) {
	type exitView struct {
		crashed bool
		text    string
		status  lifecycle.Status
		pending bool
	}
	var views []exitView

	var ld *Loader
	ld, _ = newTestLoader(t, func(cfg *Config) {
		cfg.RestartMode = restart.RestartOnCrash
		cfg.RestartLimit = 1
		cfg.OnStatusChanged = func(s lifecycle.Status) {
			if s == lifecycle.StatusExited {
				views = append(views, exitView{
					crashed: ld.Crashed(),
					text:    ld.ExitText(),
					status:  ld.Status(),
					pending: ld.RestartPending(),
				})
			}
		}
	})

	ld.LoadApplication(func(b *Bundle) {
		b.OnAbort("boom")
	})
	ld.Settle()

	// One exit that restarts, one that exhausts the limit.
	if len(views) != 2 {
		t.Fatalf("observer saw %d exits, want 2", len(views))
	}
	for i, v := range views {
		if !v.crashed {
			t.Errorf("exit %d: observer saw crashed=false, want true", i)
		}
		if v.text != "boom" {
			t.Errorf("exit %d: observer saw exit text %q, want %q", i, v.text, "boom")
		}
		if v.status != lifecycle.StatusExited {
			t.Errorf("exit %d: observer saw status %v, want exited", i, v.status)
		}
	}
	if !views[0].pending {
		t.Error("first exit must report a pending restart")
	}
	if views[1].pending {
		t.Error("halting exit must not report a pending restart")
	}
	if ld.RestartPending() {
		t.Error("no restart may be pending after the halt")
	}
}

func TestRestartOnCrashIgnoresCleanExit(t *testing.T) {
	factoryCalls := 0
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.RestartMode = restart.RestartOnCrash
		cfg.RestartLimit = 5
	})

	ld.LoadApplication(func(b *Bundle) {
		factoryCalls++
		b.OnExit(0, lifecycle.OrdinaryExit(0))
	})
	ld.Settle()

	if factoryCalls != 1 {
		t.Errorf("factory invoked %d times, want 1 (no restart on clean exit)", factoryCalls)
	}
	if got := ld.Status(); got != lifecycle.StatusExited {
		t.Errorf("status = %v, want exited", got)
	}
}

func TestRestartOnExitRestartsCleanExit(t *testing.T) {
	factoryCalls := 0
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.RestartMode = restart.RestartOnExit
		cfg.RestartLimit = 1
	})

	ld.LoadApplication(func(b *Bundle) {
		factoryCalls++
		b.OnExit(0, lifecycle.OrdinaryExit(0))
	})
	ld.Settle()

	// One restart allowed, then halt.
	if factoryCalls != 2 {
		t.Errorf("factory invoked %d times, want 2", factoryCalls)
	}
	if got := ld.Status(); got != lifecycle.StatusError {
		t.Errorf("status = %v, want error", got)
	}
}

func TestReloadHostInvokesHook(t *testing.T) {
	factoryCalls := 0
	reloads := 0
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.RestartMode = restart.RestartOnCrash
		cfg.RestartType = restart.ReloadHost
		cfg.RestartLimit = 5
		cfg.ReloadHost = func() { reloads++ }
	})

	ld.LoadApplication(func(b *Bundle) {
		factoryCalls++
		b.OnAbort("crash")
	})
	ld.Settle()

	if reloads != 1 {
		t.Errorf("host reload hook invoked %d times, want 1", reloads)
	}
	// A host reload replaces the whole process; no in-place reload runs.
	if factoryCalls != 1 {
		t.Errorf("factory invoked %d times, want 1", factoryCalls)
	}
}

func TestCapabilityFailFast(t *testing.T) {
	factoryCalls := 0
	ld, rc := newTestLoader(t, func(cfg *Config) {
		cfg.Capabilities = &capability.Report{WasmRuntime: false, AcceleratedGraphics: true}
	})

	ld.LoadApplication(func(b *Bundle) { factoryCalls++ })
	ld.Settle()

	if factoryCalls != 0 {
		t.Error("factory must not run on an incapable host")
	}
	if got := ld.Status(); got != lifecycle.StatusError {
		t.Errorf("status = %v, want error", got)
	}
	if rc.errors != 1 {
		t.Errorf("error rendered %d times, want 1", rc.errors)
	}
	if rc.lastMessage == "" {
		t.Error("capability error must carry a user-facing message")
	}
}

func TestExternalModePartialPresenters(t *testing.T) {
	running := 0
	cfg := DefaultConfig()
	cfg.Capabilities = capableHost()
	cfg.Logger = quietLogger()
	cfg.Presenters = display.Presenters{
		Running: func(ctx display.Context) display.Surface {
			running++
			if ctx.Container != nil {
				t.Error("external mode must not receive a container")
			}
			return nil
		},
	}
	ld, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ld.Close()

	ld.LoadApplication(func(b *Bundle) {
		b.ReportStatus(RunningMarker)
		b.OnAbort("crash")
	})
	ld.Settle()

	// The burst settles on Exited, for which no presenter is configured:
	// that status simply renders nothing.
	if running != 0 {
		t.Errorf("running presenter invoked %d times, want 0", running)
	}
	if got := ld.Status(); got != lifecycle.StatusExited {
		t.Errorf("status = %v, want exited", got)
	}
}

func TestConstructionErrors(t *testing.T) {
	t.Run("external mode without presenters", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logger = quietLogger()
		_, err := New(cfg)
		if !errors.Is(err, ErrNoPresentation) {
			t.Errorf("New() error = %v, want ErrNoPresentation", err)
		}
	})

	t.Run("negative restart limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logger = quietLogger()
		cfg.Containers = []display.Container{display.NewMemoryContainer()}
		cfg.RestartLimit = -1
		if _, err := New(cfg); err == nil {
			t.Error("New() accepted a negative restart limit")
		}
	})
}

func TestPathPrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "game.wasm"},
		{"assets", "assets/game.wasm"},
		{"assets/", "assets/game.wasm"},
		{"https://cdn.example.com/v3", "https://cdn.example.com/v3/game.wasm"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			ld, _ := newTestLoader(t, func(cfg *Config) {
				cfg.PathPrefix = tt.prefix
			})

			var bundle *Bundle
			ld.LoadApplication(func(b *Bundle) { bundle = b })
			ld.Settle()

			if got := bundle.ResolvePath("game.wasm"); got != tt.want {
				t.Errorf("ResolvePath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvInjectedThroughPreRun(t *testing.T) {
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.Env = map[string]string{"WASM_LOG": "debug", "LANG": "C"}
	})

	var bundle *Bundle
	ld.LoadApplication(func(b *Bundle) { bundle = b })
	ld.Settle()

	if len(bundle.Env) != 0 {
		t.Error("env must not be populated before the pre-run hooks drain")
	}
	bundle.RunPreRun()
	if bundle.Env["WASM_LOG"] != "debug" || bundle.Env["LANG"] != "C" {
		t.Errorf("env after pre-run = %v", bundle.Env)
	}
	if bundle.PreRun != nil {
		t.Error("RunPreRun must clear the hook list")
	}
}

func TestDispatcherRunsBeforeObserver(t *testing.T) {
	var order []string
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.Presenters = display.Presenters{
			Running: func(display.Context) display.Surface {
				order = append(order, "render")
				return nil
			},
		}
		cfg.OnStatusChanged = func(s lifecycle.Status) {
			order = append(order, "observe:"+string(s))
		}
	})

	ld.LoadApplication(func(b *Bundle) {
		b.ReportStatus(RunningMarker)
	})
	ld.Settle()

	want := []string{"observe:loading", "render", "observe:running"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestModuleOutputGatingAndFiltering(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.StdoutEnabled = false
		cfg.Stdout = &stdout
		cfg.Stderr = &stderr
	})

	var bundle *Bundle
	ld.LoadApplication(func(b *Bundle) { bundle = b })
	ld.Settle()

	bundle.Stdout("should be dropped")
	bundle.Stderr("Calling stub instead of sigaction()")
	bundle.Stderr("real module error")
	ld.Settle()

	if stdout.Len() != 0 {
		t.Errorf("stdout forwarded despite being disabled: %q", stdout.String())
	}
	if got := stderr.String(); got != "real module error\n" {
		t.Errorf("stderr = %q, want only the real line", got)
	}
}

func TestJournalRecordsCommits(t *testing.T) {
	j := journal.New(16)
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.Journal = j
	})

	ld.LoadApplication(func(b *Bundle) {
		b.ReportStatus(RunningMarker)
		b.OnExit(0, lifecycle.OrdinaryExit(0))
	})
	ld.Settle()

	events := j.Events()
	if len(events) != 2 {
		t.Fatalf("journal has %d events, want 2 (loading, exited)", len(events))
	}
	if events[0].Status != lifecycle.StatusLoading || events[1].Status != lifecycle.StatusExited {
		t.Errorf("journal statuses = %v, %v", events[0].Status, events[1].Status)
	}
}

func TestStaleCallbacksFromSupersededCycleIgnored(t *testing.T) {
	var first *Bundle
	calls := 0
	ld, _ := newTestLoader(t, func(cfg *Config) {
		cfg.RestartMode = restart.RestartOnCrash
		cfg.RestartLimit = 5
	})

	ld.LoadApplication(func(b *Bundle) {
		calls++
		if first == nil {
			first = b
			b.OnAbort("crash")
		}
	})
	ld.Settle()

	if calls != 2 {
		t.Fatalf("factory invoked %d times, want 2", calls)
	}
	if got := ld.Status(); got != lifecycle.StatusLoading {
		t.Fatalf("status = %v, want loading (second cycle in flight)", got)
	}

	// A late termination from the replaced first instance must not touch
	// the new cycle.
	first.OnExit(0, lifecycle.OrdinaryExit(0))
	ld.Settle()

	if got := ld.Status(); got != lifecycle.StatusLoading {
		t.Errorf("stale termination changed status to %v", got)
	}
}
