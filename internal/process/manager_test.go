package process

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func newTestChild(t *testing.T, args ...string) *Child {
	t.Helper()
	child, err := NewChild(NewInput{
		Cmd:         exec.Command(args[0], args[1:]...),
		KillSignal:  os.Interrupt,
		KillTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewChild: %v", err)
	}
	return child
}

func TestManagerRegisterRejectsAfterClose(t *testing.T) {
	m := NewManager()
	m.Close()

	child := newTestChild(t, "sleep", "1")
	if m.Register(child) {
		t.Fatalf("expected Register to reject a child after Close")
	}
}

func TestManagerUnregisterDropsChild(t *testing.T) {
	m := NewManager()
	child := newTestChild(t, "sleep", "1")
	if !m.Register(child) {
		t.Fatalf("expected Register to succeed before Close")
	}
	m.Unregister(child)

	if len(m.children) != 0 {
		t.Fatalf("expected Unregister to drop the child, got %d tracked", len(m.children))
	}
}

func TestManagerCloseStopsRegisteredChildren(t *testing.T) {
	m := NewManager()

	child := newTestChild(t, "sleep", "5")
	if !m.Register(child) {
		t.Fatalf("expected Register to succeed")
	}
	if err := child.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	m.Close()
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("expected Close to stop the child well before its natural exit, took %s", elapsed)
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	m := NewManager()
	m.Close()
	m.Close()

	child := newTestChild(t, "sleep", "1")
	if m.Register(child) {
		t.Fatalf("expected Register to still reject after a repeated Close")
	}
}
