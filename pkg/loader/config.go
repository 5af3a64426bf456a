package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/psantana5/wasmhost/pkg/capability"
	"github.com/psantana5/wasmhost/pkg/display"
	"github.com/psantana5/wasmhost/pkg/journal"
	"github.com/psantana5/wasmhost/pkg/lifecycle"
	"github.com/psantana5/wasmhost/pkg/logging"
	"github.com/psantana5/wasmhost/pkg/metrics"
	"github.com/psantana5/wasmhost/pkg/restart"
)

// ErrNoPresentation is returned by New for an external-mode configuration
// with no presentation callbacks at all: without owned containers there are
// no default presentations, so such a loader could never show anything.
var ErrNoPresentation = errors.New("no containers and no presentation callbacks configured")

// Config describes one loader instance. Start from DefaultConfig and
// override what you need; New normalizes and validates the result once.
type Config struct {
	// Containers are the owned display slots (managed mode). Leave empty
	// for external mode, where Presenters must carry at least one callback.
	Containers []display.Container

	// Presenters are the four presentation callbacks. In managed mode an
	// empty set selects the synthesized defaults.
	Presenters display.Presenters

	// PathPrefix is prepended by the bundle's file resolver; normalized to
	// end with a separator when non-empty.
	PathPrefix string

	// RestartMode selects which terminations restart the module.
	RestartMode restart.Mode

	// RestartType selects how a restart is performed.
	RestartType restart.Type

	// RestartLimit caps policy-triggered restarts within this instance.
	// Negative values are a configuration error.
	RestartLimit int

	// StdoutEnabled and StderrEnabled gate forwarding of module output.
	StdoutEnabled bool
	StderrEnabled bool

	// Stdout and Stderr receive forwarded module output lines.
	Stdout io.Writer
	Stderr io.Writer

	// Env is injected into the module through the pre-run hook list.
	Env map[string]string

	// OnStatusChanged observes every committed status, after display and
	// restart side effects have run.
	OnStatusChanged func(lifecycle.Status)

	// ReloadHost performs a ReloadHost-type restart. It is expected to
	// tear down the whole host, discarding this loader with it; the
	// restart count therefore cannot span such a reload.
	ReloadHost func()

	// Capabilities overrides the construction-time probe. Nil probes the
	// host once in New.
	Capabilities *capability.Report

	// Logger, Metrics and Journal are optional collaborators.
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Journal *journal.Journal
}

// DefaultConfig returns the baseline configuration: no automatic restarts,
// a limit of 10 once a restart mode is chosen, module output forwarded to
// the host's stdio.
func DefaultConfig() Config {
	return Config{
		RestartMode:   restart.DoNotRestart,
		RestartType:   restart.RestartModule,
		RestartLimit:  10,
		StdoutEnabled: true,
		StderrEnabled: true,
	}
}

// normalize validates cfg and fills derived defaults in place
func (c *Config) normalize() error {
	if len(c.Containers) == 0 && c.Presenters.Empty() {
		return ErrNoPresentation
	}
	if c.RestartLimit < 0 {
		return fmt.Errorf("restart limit must be non-negative, got %d", c.RestartLimit)
	}

	if c.PathPrefix != "" && !strings.HasSuffix(c.PathPrefix, "/") {
		c.PathPrefix += "/"
	}

	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger(logging.INFO, false)
	}

	// Copy the env map so later caller mutations cannot leak into a
	// running load cycle.
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	c.Env = env

	return nil
}
