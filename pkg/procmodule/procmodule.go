// Package procmodule runs a natively-compiled application module as an OS
// process and bridges its lifecycle into a loader callback bundle: stdout
// and stderr are forwarded line by line, a successful start reports the
// running marker, and process termination is translated into the tagged
// ordinary/abnormal exit variants.
package procmodule

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/psantana5/wasmhost/pkg/lifecycle"
	"github.com/psantana5/wasmhost/pkg/loader"
	"github.com/psantana5/wasmhost/pkg/logging"
)

// Runner starts one module process per load cycle. The loader drives it
// through the factory returned by Factory; Stop and Kill let the embedder
// end the current process from outside.
type Runner struct {
	// Command is the module executable, resolved through the bundle's
	// path resolver. Args are passed through verbatim.
	Command string
	Args    []string

	// Dir is the working directory for the process; empty inherits the
	// host's.
	Dir string

	// Context cancels the running process when done. Nil means Background.
	Context context.Context

	Logger *logging.Logger

	mu  sync.Mutex
	pid int
}

// Factory returns the load-cycle entry point for ld.LoadApplication. The
// returned factory starts the process asynchronously and never blocks.
func (r *Runner) Factory() loader.ModuleFactory {
	return func(b *loader.Bundle) {
		go r.run(b)
	}
}

func (r *Runner) log() *logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.NewLogger(logging.INFO, false)
}

func (r *Runner) run(b *loader.Bundle) {
	ctx := r.Context
	if ctx == nil {
		ctx = context.Background()
	}

	b.RunPreRun()

	path := b.ResolvePath(r.Command)
	cmd := exec.CommandContext(ctx, path, r.Args...)
	cmd.Dir = r.Dir

	// Own process group, so a host crash never takes the module down with
	// it and Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	cmd.Env = os.Environ()
	for k, v := range b.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.OnAbort(fmt.Sprintf("failed to open module stdout: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.OnAbort(fmt.Sprintf("failed to open module stderr: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		b.OnAbort(fmt.Sprintf("failed to start module process: %v", err))
		return
	}

	r.mu.Lock()
	r.pid = cmd.Process.Pid
	r.mu.Unlock()

	r.log().Info("module process started",
		map[string]interface{}{"pid": cmd.Process.Pid, "command": path})

	// A native module has no in-process readiness hook; a successful
	// start is its running report.
	b.ReportStatus(loader.RunningMarker)

	var lines sync.WaitGroup
	lines.Add(2)
	go func() {
		defer lines.Done()
		forwardLines(stdout, b.Stdout)
	}()
	go func() {
		defer lines.Done()
		forwardLines(stderr, b.Stderr)
	}()

	// Output must drain before the termination is reported, so the last
	// lines are attributed to this cycle.
	lines.Wait()
	err = cmd.Wait()

	r.mu.Lock()
	r.pid = 0
	r.mu.Unlock()

	if err == nil {
		b.OnExit(0, lifecycle.OrdinaryExit(0))
		return
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		b.OnAbort(fmt.Sprintf("module process wait failed: %v", err))
		return
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		b.OnAbort(fmt.Sprintf("module process terminated by %s", SignalName(status.Signal())))
		return
	}

	code := exitErr.ExitCode()
	b.OnExit(code, lifecycle.OrdinaryExit(code))
}

// Stop asks the current process group to terminate with SIGTERM. It is a
// no-op when nothing is running.
func (r *Runner) Stop() {
	r.signal(syscall.SIGTERM)
}

// Kill forcibly ends the current process group
func (r *Runner) Kill() {
	r.signal(syscall.SIGKILL)
}

func (r *Runner) signal(sig syscall.Signal) {
	r.mu.Lock()
	pid := r.pid
	r.mu.Unlock()
	if pid == 0 {
		return
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-pid, sig); err != nil {
		r.log().Warn("failed to signal module process",
			map[string]interface{}{"pid": pid, "signal": SignalName(sig), "error": err.Error()})
	}
}

// Pid returns the running process's pid, or 0
func (r *Runner) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func forwardLines(src io.Reader, sink func(string)) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		sink(sc.Text())
	}
}

// SignalName returns the conventional name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}
