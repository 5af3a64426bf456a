package shutdown

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/psantana5/wasmhost/pkg/logging"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func TestHooksRunInReverseOrder(t *testing.T) {
	m := New(time.Second, quietLogger())

	var order []string
	m.Register(func(context.Context) error { order = append(order, "first"); return nil })
	m.Register(func(context.Context) error { order = append(order, "second"); return nil })
	m.Register(func(context.Context) error { order = append(order, "third"); return nil })

	m.Shutdown()

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFailingHookDoesNotStopOthers(t *testing.T) {
	m := New(time.Second, quietLogger())

	ran := false
	m.Register(func(context.Context) error { ran = true; return nil })
	m.Register(func(context.Context) error { return errors.New("boom") })

	m.Shutdown()

	if !ran {
		t.Error("hook after a failing one did not run")
	}
}

func TestCloseResourceHook(t *testing.T) {
	c := &fakeCloser{}
	hook := CloseResource(c)
	if err := hook(context.Background()); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if !c.closed {
		t.Error("resource not closed")
	}
}

type fakeCloser struct{ closed bool }

func (c *fakeCloser) Close() error {
	c.closed = true
	return nil
}
