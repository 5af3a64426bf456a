// Package display turns committed lifecycle statuses into one of four
// mutually exclusive presentations: loading, running, error, exited.
//
// In managed mode the dispatcher owns a set of containers and mutates them
// directly. In external mode (no containers) the embedder owns
// presentation and the dispatcher only invokes its callbacks.
package display

import (
	"sync"

	"github.com/psantana5/wasmhost/pkg/lifecycle"
)

// Surface is an opaque display-surface handle owned by the embedder. The
// dispatcher never inspects surfaces, it only appends them to containers.
type Surface interface{}

// Container holds the surfaces rendered for one display slot.
type Container interface {
	// Clear removes every surface previously appended
	Clear()
	// Append attaches a surface to the container
	Append(Surface)
}

// Context is handed to a presenter for one rendering. Container is nil in
// external mode. Message carries the error text for the error presentation
// and the crash text for the exited presentation.
type Context struct {
	Container Container
	Message   string
	ExitCode  int
}

// Presenter produces the surface for one presentation, or nil for none.
type Presenter func(Context) Surface

// Presenters bundles the four presentation callbacks. Any of them may be
// nil; a nil presenter renders nothing.
type Presenters struct {
	Loading Presenter
	Running Presenter
	Error   Presenter
	Exited  Presenter
}

func (p Presenters) empty() bool {
	return p.Loading == nil && p.Running == nil && p.Error == nil && p.Exited == nil
}

// Empty reports whether no presenter is set at all
func (p Presenters) Empty() bool { return p.empty() }

// TextSurface is the default textual surface.
type TextSurface struct {
	Class string
	Text  string
}

// Viewport is the default running surface; in managed mode the first
// container's viewport becomes the module's designated render target.
type Viewport struct {
	ID string
}

// DefaultPresenters returns the presentations synthesized for managed mode.
func DefaultPresenters() Presenters {
	return Presenters{
		Loading: func(Context) Surface {
			return &TextSurface{Class: "loading", Text: "Loading..."}
		},
		Running: func(Context) Surface {
			return &Viewport{ID: "module-viewport"}
		},
		Error: func(ctx Context) Surface {
			return &TextSurface{Class: "error", Text: ctx.Message}
		},
		Exited: func(ctx Context) Surface {
			return &TextSurface{Class: "exited", Text: ctx.Message}
		},
	}
}

// Dispatcher renders committed statuses into containers or callbacks.
// It is driven from the loader's run loop and is not safe for concurrent
// use from other goroutines, except SetRenderTarget/RenderTarget which the
// hosted module may call from its own threads.
type Dispatcher struct {
	containers []Container
	presenters Presenters

	targetMu     sync.Mutex
	renderTarget Surface
}

// NewDispatcher builds a dispatcher. With containers present and an empty
// presenter set, the defaults are synthesized; without containers the
// presenters are used as given (external mode).
func NewDispatcher(containers []Container, presenters Presenters) *Dispatcher {
	if len(containers) > 0 && presenters.empty() {
		presenters = DefaultPresenters()
	}
	return &Dispatcher{
		containers: containers,
		presenters: presenters,
	}
}

// Managed reports whether the dispatcher owns containers
func (d *Dispatcher) Managed() bool { return len(d.containers) > 0 }

// Render dispatches one committed status. A clean exit (status Exited with
// crashed false) renders nothing; callers observe it via the status
// observer instead. The error presentation always receives message.
func (d *Dispatcher) Render(status lifecycle.Status, crashed bool, exitCode int, message string) {
	var presenter Presenter
	switch status {
	case lifecycle.StatusLoading:
		presenter = d.presenters.Loading
	case lifecycle.StatusRunning:
		presenter = d.presenters.Running
	case lifecycle.StatusError:
		presenter = d.presenters.Error
	case lifecycle.StatusExited:
		if !crashed {
			return
		}
		presenter = d.presenters.Exited
	default:
		return
	}

	if !d.Managed() {
		if presenter != nil {
			presenter(Context{Message: message, ExitCode: exitCode})
		}
		return
	}

	for i, c := range d.containers {
		c.Clear()
		if presenter == nil {
			continue
		}
		s := presenter(Context{Container: c, Message: message, ExitCode: exitCode})
		if s == nil {
			continue
		}
		c.Append(s)
		if status == lifecycle.StatusRunning && i == 0 {
			d.designateRenderTarget(s)
		}
	}
}

// designateRenderTarget sets the module render target unless the module
// already supplied its own.
func (d *Dispatcher) designateRenderTarget(s Surface) {
	d.targetMu.Lock()
	defer d.targetMu.Unlock()
	if d.renderTarget == nil {
		d.renderTarget = s
	}
}

// SetRenderTarget records a module-supplied render target. A target set
// here is never overridden by the dispatcher.
func (d *Dispatcher) SetRenderTarget(s Surface) {
	d.targetMu.Lock()
	defer d.targetMu.Unlock()
	d.renderTarget = s
}

// RenderTarget returns the surface the module should draw into, or nil
func (d *Dispatcher) RenderTarget() Surface {
	d.targetMu.Lock()
	defer d.targetMu.Unlock()
	return d.renderTarget
}
