package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"turnstonecore/src/sched"
)

func newTestShell() (*shell, *bytes.Buffer) {
	var buf bytes.Buffer
	s := &shell{
		reg: sched.NewRegistry(),
		out: bufio.NewWriter(&buf),
	}
	return s, &buf
}

func TestDispatchHelpListsCommands(t *testing.T) {
	s, buf := newTestShell()
	if !s.dispatch("help") {
		t.Fatalf("expected help to keep the shell running")
	}
	s.out.Flush()
	if !strings.Contains(buf.String(), "poweroff") {
		t.Fatalf("expected help output to mention poweroff, got %q", buf.String())
	}
}

func TestDispatchPoweroffStopsShell(t *testing.T) {
	s, _ := newTestShell()
	if s.dispatch("poweroff") {
		t.Fatalf("expected poweroff to stop the shell loop")
	}
}

func TestDispatchIsCaseFolded(t *testing.T) {
	s, _ := newTestShell()
	if s.dispatch("POWEROFF") {
		t.Fatalf("expected POWEROFF to fold to the same command as poweroff")
	}
}

func TestDispatchUnknownCommandKeepsRunning(t *testing.T) {
	s, buf := newTestShell()
	if !s.dispatch("bogus") {
		t.Fatalf("expected an unknown command to not stop the shell")
	}
	s.out.Flush()
	if !strings.Contains(buf.String(), "unknown command") {
		t.Fatalf("expected an unknown-command message, got %q", buf.String())
	}
}

func TestDispatchTasksReportsRegistryLen(t *testing.T) {
	s, buf := newTestShell()
	s.reg.New(nil, nil)
	if !s.dispatch("tasks") {
		t.Fatalf("expected tasks to keep the shell running")
	}
	s.out.Flush()
	if !strings.Contains(buf.String(), "1 live task") {
		t.Fatalf("expected output to report 1 live task, got %q", buf.String())
	}
}

func TestShutdownWithNoDBIsNoop(t *testing.T) {
	s, _ := newTestShell()
	s.shutdown()
}
