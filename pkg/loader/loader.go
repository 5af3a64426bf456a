// Package loader owns the lifecycle of one hosted application module:
// placeholder display, load, run, exit, and policy-driven recovery from
// crashes. The loader reacts only to callbacks from the hosted module;
// every reaction runs on a single run loop, and status side effects are
// debounced so a burst of transitions renders only its final status.
package loader

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/wasmhost/pkg/capability"
	"github.com/psantana5/wasmhost/pkg/display"
	"github.com/psantana5/wasmhost/pkg/lifecycle"
	"github.com/psantana5/wasmhost/pkg/logging"
	"github.com/psantana5/wasmhost/pkg/restart"
	"github.com/psantana5/wasmhost/pkg/runloop"
)

// nowFunc is swapped in tests
var nowFunc = time.Now

// Loader is the lifecycle state machine for one hosted module. One loader
// supervises one module instance at a time; restarts replace, never
// overlap, the previous instance.
type Loader struct {
	id   string
	cfg  Config
	log  *logging.Logger
	caps capability.Report
	disp *display.Dispatcher
	loop *runloop.Loop

	// Everything below is confined to the run loop goroutine.
	rec            lifecycle.Record
	lastError      string
	factory        ModuleFactory
	generation     int
	restartPending bool

	// commitScheduled is written only on the loop; atomic so Settle can
	// observe it from outside.
	commitScheduled atomic.Bool

	snapMu sync.RWMutex
	snap   snapshot
}

// snapshot is the committed view served to readers off the loop
type snapshot struct {
	status         lifecycle.Status
	crashed        bool
	exitCode       *int
	exitText       string
	restartCount   int
	restartPending bool
}

// New constructs a loader from cfg. It fails only on configuration usage
// errors; runtime conditions (including an incapable host) surface later
// through the status observers.
func New(cfg Config) (*Loader, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	caps := capability.Probe()
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}

	ld := &Loader{
		id:   uuid.NewString(),
		cfg:  cfg,
		log:  cfg.Logger.WithField("loader", "lifecycle"),
		caps: caps,
		disp: display.NewDispatcher(cfg.Containers, cfg.Presenters),
		loop: runloop.New(),
		rec:  lifecycle.NewRecord(),
	}
	ld.snap = snapshot{status: lifecycle.StatusCreated}
	return ld, nil
}

// InstanceID returns the loader's unique ID
func (ld *Loader) InstanceID() string { return ld.id }

// WasmSupported reports whether the host can execute the module format
func (ld *Loader) WasmSupported() bool { return ld.caps.WasmRuntime }

// GraphicsSupported reports whether accelerated graphics are available
func (ld *Loader) GraphicsSupported() bool { return ld.caps.AcceleratedGraphics }

// CanLoadApplication reports whether the host can run the module at all
func (ld *Loader) CanLoadApplication() bool { return ld.caps.CanRun() }

// Status returns the last committed status
func (ld *Loader) Status() lifecycle.Status {
	ld.snapMu.RLock()
	defer ld.snapMu.RUnlock()
	return ld.snap.status
}

// Crashed reports whether the committed exit was abnormal
func (ld *Loader) Crashed() bool {
	ld.snapMu.RLock()
	defer ld.snapMu.RUnlock()
	return ld.snap.crashed
}

// ExitCode returns the committed clean-exit code, if any
func (ld *Loader) ExitCode() (int, bool) {
	ld.snapMu.RLock()
	defer ld.snapMu.RUnlock()
	if ld.snap.exitCode == nil {
		return 0, false
	}
	return *ld.snap.exitCode, true
}

// ExitText returns the committed abnormal-exit text, if any
func (ld *Loader) ExitText() string {
	ld.snapMu.RLock()
	defer ld.snapMu.RUnlock()
	return ld.snap.exitText
}

// RestartCount returns how many policy restarts have run so far
func (ld *Loader) RestartCount() int {
	ld.snapMu.RLock()
	defer ld.snapMu.RUnlock()
	return ld.snap.restartCount
}

// RestartPending reports whether the restart policy has decided to replace
// the committed exit with a fresh load cycle that has not committed yet.
func (ld *Loader) RestartPending() bool {
	ld.snapMu.RLock()
	defer ld.snapMu.RUnlock()
	return ld.snap.restartPending
}

// RenderTarget returns the surface the module draws into, or nil
func (ld *Loader) RenderTarget() display.Surface {
	return ld.disp.RenderTarget()
}

// LoadApplication starts a load cycle with factory. It fails fast into
// Error when the host cannot run the application; otherwise it hands the
// factory a fresh callback bundle. The call never blocks: all subsequent
// reactions arrive asynchronously through the bundle.
func (ld *Loader) LoadApplication(factory ModuleFactory) {
	ld.loop.Post(func() {
		ld.factory = factory
		ld.doLoad()
	})
}

// Settle blocks until every currently queued reaction, including pending
// debounced commits and the load cycles they trigger, has run. Reactions
// the module delivers later are not waited for.
func (ld *Loader) Settle() {
	for {
		ld.loop.Barrier()
		if ld.loop.Closed() || !ld.commitScheduled.Load() {
			return
		}
	}
}

// Close stops the run loop. The loader must not be used afterwards.
func (ld *Loader) Close() {
	ld.loop.Close()
}

// doLoad runs one load cycle start on the loop
func (ld *Loader) doLoad() {
	if lifecycle.IsActive(ld.rec.Status) {
		ld.log.Warn("load requested while a cycle is active; ignoring",
			map[string]interface{}{"status": string(ld.rec.Status)})
		return
	}
	if ld.factory == nil {
		ld.fail("no module factory provided")
		return
	}
	if !ld.caps.CanRun() {
		ld.fail(ld.capabilityError())
		return
	}

	ld.rec.ClearExit()
	ld.lastError = ""
	ld.generation++
	ld.setStatus(lifecycle.StatusLoading)
	ld.cfg.Metrics.ObserveLoad()

	bundle := ld.buildBundle(ld.generation)
	factory := ld.factory
	gen := ld.generation

	defer func() {
		if r := recover(); r != nil {
			ld.log.Error("module factory panicked",
				map[string]interface{}{"panic": fmt.Sprint(r)})
			ld.terminate(gen, lifecycle.AbnormalExit(fmt.Sprintf("module factory panicked: %v", r)))
		}
	}()
	factory(bundle)
}

func (ld *Loader) capabilityError() string {
	switch {
	case !ld.caps.WasmRuntime && !ld.caps.AcceleratedGraphics:
		return "this host supports neither the module's execution format nor accelerated graphics"
	case !ld.caps.WasmRuntime:
		return "this host cannot execute the module's binary format"
	default:
		return "this host has no accelerated graphics support"
	}
}

// fail moves the loader to Error with a user-facing message
func (ld *Loader) fail(msg string) {
	ld.lastError = msg
	ld.rec.ClearExit()
	ld.setStatus(lifecycle.StatusError)
}

// setStatus records the logical status and schedules one debounced commit.
// Several calls within one burst of loop tasks collapse into a single
// commit carrying the final status.
func (ld *Loader) setStatus(s lifecycle.Status) {
	if s != ld.rec.Status {
		if err := lifecycle.ValidateTransition(ld.rec.Status, s); err != nil {
			ld.log.Warn("irregular status transition",
				map[string]interface{}{"error": err.Error()})
		}
		ld.rec.Status = s
	}
	if ld.commitScheduled.CompareAndSwap(false, true) {
		ld.loop.Post(ld.commit)
	}
}

// commit runs the deferred side effects for the settled status: journal,
// metrics, display dispatch, the restart decision for exits, and finally
// the caller's observer. A commit whose status already matches the
// committed one is a no-op.
func (ld *Loader) commit() {
	ld.commitScheduled.Store(false)
	st := ld.rec.Status
	if st == ld.rec.Committed {
		return
	}
	ld.rec.Committed = st
	if st != lifecycle.StatusExited {
		ld.restartPending = false
	}
	ld.publishSnapshot()

	ld.journal(st)
	ld.cfg.Metrics.SetStatus(st)

	var code int
	if ld.rec.ExitCode != nil {
		code = *ld.rec.ExitCode
	}
	ld.render(st, code)

	if st == lifecycle.StatusExited {
		// handleExit may start the next cycle, wiping the record's exit
		// fields; the Exited snapshot above stays the reader-visible state
		// until that cycle commits. Only the pending flag is refreshed.
		ld.handleExit()
		ld.publishRestartPending()
	}

	if ld.cfg.OnStatusChanged != nil {
		ld.cfg.OnStatusChanged(st)
	}
}

// render invokes the dispatcher, absorbing presenter panics
func (ld *Loader) render(st lifecycle.Status, code int) {
	defer func() {
		if r := recover(); r != nil {
			ld.log.Error("presentation callback panicked",
				map[string]interface{}{"panic": fmt.Sprint(r), "status": string(st)})
		}
	}()
	msg := ld.lastError
	if st == lifecycle.StatusExited {
		msg = ld.rec.ExitText
	}
	ld.disp.Render(st, ld.rec.Crashed, code, msg)
}

// handleExit applies the restart policy to a committed exit
func (ld *Loader) handleExit() {
	d := restart.Decide(ld.cfg.RestartMode, ld.rec.Crashed, ld.rec.RestartCount, ld.cfg.RestartLimit)
	switch {
	case d.Restart:
		ld.rec.RestartCount = d.NewCount
		ld.cfg.Metrics.ObserveRestart()
		if ld.cfg.RestartType == restart.ReloadHost {
			// The reload discards this loader and its restart count with
			// the rest of the host's memory; the limit cannot span it.
			ld.log.Info("restarting by host reload",
				map[string]interface{}{"attempt": d.NewCount})
			if ld.cfg.ReloadHost == nil {
				ld.log.Warn("no host reload hook configured; staying exited")
				return
			}
			ld.restartPending = true
			ld.cfg.ReloadHost()
			return
		}
		ld.restartPending = true
		ld.log.Info("restarting module",
			map[string]interface{}{"attempt": d.NewCount, "limit": ld.cfg.RestartLimit})
		ld.rec.Committed = lifecycle.Status("")
		ld.doLoad()
	case d.HaltReason != "":
		ld.log.Error("restart limit exhausted",
			map[string]interface{}{"restarts": ld.rec.RestartCount})
		ld.fail(d.HaltReason)
	}
}

// terminate records a module termination on the loop, ignoring callbacks
// from superseded load cycles.
func (ld *Loader) terminate(gen int, term lifecycle.Termination) {
	if gen != ld.generation {
		ld.log.Debug("dropping termination from superseded load cycle")
		return
	}
	switch term.Kind {
	case lifecycle.KindOrdinaryExit:
		code := term.Code
		ld.rec.Crashed = false
		ld.rec.ExitCode = &code
		ld.rec.ExitText = ""
		ld.cfg.Metrics.ObserveCleanExit()
	default:
		ld.rec.Crashed = true
		ld.rec.ExitCode = nil
		ld.rec.ExitText = term.Message
		ld.cfg.Metrics.ObserveCrash()
	}
	ld.setStatus(lifecycle.StatusExited)
}

func (ld *Loader) publishSnapshot() {
	ld.snapMu.Lock()
	defer ld.snapMu.Unlock()
	ld.snap = snapshot{
		status:         ld.rec.Committed,
		crashed:        ld.rec.Crashed,
		exitCode:       ld.rec.ExitCode,
		exitText:       ld.rec.ExitText,
		restartCount:   ld.rec.RestartCount,
		restartPending: ld.restartPending,
	}
}

// publishRestartPending refreshes only the pending flag, leaving the rest
// of the committed snapshot untouched.
func (ld *Loader) publishRestartPending() {
	ld.snapMu.Lock()
	defer ld.snapMu.Unlock()
	ld.snap.restartPending = ld.restartPending
}

func (ld *Loader) journal(st lifecycle.Status) {
	if ld.cfg.Journal == nil {
		return
	}
	msg := ld.lastError
	if st == lifecycle.StatusExited {
		msg = ld.rec.ExitText
	}
	ld.cfg.Journal.Append(lifecycle.Event{
		Status:       st,
		Timestamp:    nowFunc(),
		Crashed:      ld.rec.Crashed,
		ExitCode:     ld.rec.ExitCode,
		Message:      msg,
		RestartCount: ld.rec.RestartCount,
	})
}
