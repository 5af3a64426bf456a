package loader

import (
	"fmt"
	"strings"

	"github.com/psantana5/wasmhost/pkg/display"
	"github.com/psantana5/wasmhost/pkg/lifecycle"
)

// RunningMarker is the status-text substring the loader recognizes as the
// module's "now running" report. All other status text is ignored.
const RunningMarker = "Running..."

// stderrNoisePrefixes are runtime-shim diagnostics that carry no signal for
// the embedder and are filtered before forwarding.
var stderrNoisePrefixes = []string{
	"Calling stub instead of",
	"warning: unsupported syscall",
	"sigaction: signal",
}

func isStderrNoise(line string) bool {
	for _, p := range stderrNoisePrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// ModuleFactory starts the hosted module. It is invoked exactly once per
// load cycle, on the loader's run loop, and must not block: it starts the
// module asynchronously and returns, after which the loader reacts only to
// bundle callbacks.
type ModuleFactory func(*Bundle)

// Bundle is the callback contract handed to a module factory. Every
// callback is safe to invoke from any goroutine; callbacks belonging to a
// superseded load cycle are ignored.
type Bundle struct {
	// InstanceID identifies the owning loader.
	InstanceID string

	// ResolvePath maps a module-relative file name to its location.
	ResolvePath func(name string) string

	// ReportStatus forwards module status text. Text containing
	// RunningMarker moves the loader to Running.
	ReportStatus func(text string)

	// Stdout and Stderr forward module output lines.
	Stdout func(line string)
	Stderr func(line string)

	// OnAbort reports an abnormal termination with a message.
	OnAbort func(message string)

	// OnExit reports a termination. The tagged variant distinguishes the
	// module's ordinary exit from an unexpected failure.
	OnExit func(code int, term lifecycle.Termination)

	// PreRun holds hooks the module must drain before starting; the
	// loader appends its environment-injection step here. Use RunPreRun.
	PreRun []func(*Bundle)

	// Env is populated by the pre-run hooks with the variables the module
	// applies before it starts.
	Env map[string]string

	// RenderTarget returns the surface the module should draw into.
	// SetRenderTarget lets the module supply its own target instead; a
	// module-supplied target is never overridden by the loader.
	RenderTarget    func() display.Surface
	SetRenderTarget func(display.Surface)
}

// RunPreRun drains the pre-run hook list in order. Modules call this once,
// immediately before starting.
func (b *Bundle) RunPreRun() {
	hooks := b.PreRun
	b.PreRun = nil
	for _, h := range hooks {
		h(b)
	}
}

// buildBundle wires a fresh callback bundle for the load cycle gen. Every
// reactive callback hops onto the run loop and drops itself when the cycle
// has been superseded by a restart.
func (ld *Loader) buildBundle(gen int) *Bundle {
	b := &Bundle{
		InstanceID: ld.id,
		Env:        make(map[string]string),

		ResolvePath: func(name string) string {
			return ld.cfg.PathPrefix + name
		},

		ReportStatus: func(text string) {
			ld.loop.Post(func() {
				if gen != ld.generation {
					return
				}
				if !strings.Contains(text, RunningMarker) {
					ld.log.Debug("module status", map[string]interface{}{"text": text})
					return
				}
				if ld.rec.Status == lifecycle.StatusLoading {
					ld.setStatus(lifecycle.StatusRunning)
				}
			})
		},

		Stdout: func(line string) {
			if !ld.cfg.StdoutEnabled {
				return
			}
			ld.loop.Post(func() {
				if gen != ld.generation {
					return
				}
				fmt.Fprintln(ld.cfg.Stdout, line)
			})
		},

		Stderr: func(line string) {
			if !ld.cfg.StderrEnabled || isStderrNoise(line) {
				return
			}
			ld.loop.Post(func() {
				if gen != ld.generation {
					return
				}
				fmt.Fprintln(ld.cfg.Stderr, line)
			})
		},

		OnAbort: func(message string) {
			if message == "" {
				message = "module aborted"
			}
			ld.loop.Post(func() {
				ld.terminate(gen, lifecycle.AbnormalExit(message))
			})
		},

		OnExit: func(code int, term lifecycle.Termination) {
			ld.loop.Post(func() {
				if term.Kind == lifecycle.KindOrdinaryExit {
					ld.terminate(gen, lifecycle.OrdinaryExit(code))
					return
				}
				msg := term.Message
				if msg == "" {
					msg = fmt.Sprintf("module exited unexpectedly (code %d)", code)
				}
				ld.terminate(gen, lifecycle.AbnormalExit(msg))
			})
		},

		RenderTarget:    ld.disp.RenderTarget,
		SetRenderTarget: ld.disp.SetRenderTarget,
	}

	// The environment injector is appended so module-provided hooks run
	// first, matching the order the module drains them.
	b.PreRun = append(b.PreRun, func(b *Bundle) {
		for k, v := range ld.cfg.Env {
			b.Env[k] = v
		}
	})

	return b
}
