// Command tosctl is TurnstoneOS's operator shell surface: a
// small REPL offering help, clear, poweroff, shutdown, and reboot, plus a
// tasks command reporting the task registry's live-task count. An optional
// TOSDB image is opened at start and closed on shutdown or reboot; no
// command inspects its contents. Argument parsing follows chentry.go
// (biscuit/src/kernel/chentry.go), which favors a flat os.Args check and
// log.Fatal over a flag-package command tree.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"

	"turnstonecore/src/defs"
	"turnstonecore/src/logging"
	"turnstonecore/src/sched"
	"turnstonecore/src/tosdb"
)

// fold case-folds operator input so "POWEROFF", "PowerOff", and "poweroff"
// all dispatch the same command, using the locale-aware folder rather than
// strings.ToLower so multi-byte command aliases fold correctly too.
var fold = cases.Fold()

type shell struct {
	reg *sched.Registry
	db  *tosdb.DB
	out *bufio.Writer
}

func usage(me string) {
	fmt.Fprintf(os.Stderr, "%s [tosdb-image]\n\nStart the TurnstoneOS operator shell, optionally against an existing TOSDB image.\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) > 2 {
		usage(os.Args[0])
	}

	s := &shell{
		reg: sched.NewRegistry(),
		out: bufio.NewWriter(os.Stdout),
	}

	if len(os.Args) == 2 {
		backend, err := tosdb.OpenDiskBackend(os.Args[1])
		if err != defs.EOK {
			logging.WithComponent("tosctl").Fatalf("opening %s: %v", os.Args[1], err)
		}
		db, err := tosdb.Open(backend)
		if err != defs.EOK {
			logging.WithComponent("tosctl").Fatalf("initializing %s: %v", os.Args[1], err)
		}
		s.db = db
	}

	s.run(bufio.NewScanner(os.Stdin))
}

func (s *shell) run(sc *bufio.Scanner) {
	s.prompt()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			s.prompt()
			continue
		}
		if !s.dispatch(line) {
			return
		}
		s.prompt()
	}
}

func (s *shell) prompt() {
	fmt.Fprint(s.out, "tosctl> ")
	s.out.Flush()
}

// dispatch executes one command line and returns false when the shell
// should exit.
func (s *shell) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fold.String(fields[0])

	switch cmd {
	case "help":
		fmt.Fprintln(s.out, "commands: help, clear, tasks, poweroff, shutdown, reboot")
	case "clear":
		fmt.Fprint(s.out, "\033[2J\033[H")
	case "tasks":
		fmt.Fprintf(s.out, "%d live task(s)\n", s.reg.Len())
	case "poweroff":
		fmt.Fprintln(s.out, "powering off")
		return false
	case "shutdown":
		s.shutdown()
		return false
	case "reboot":
		s.shutdown()
		fmt.Fprintln(s.out, "rebooting")
		return false
	default:
		fmt.Fprintf(s.out, "unknown command %q; try 'help'\n", cmd)
	}
	return true
}

// shutdown flushes the open TOSDB instance, if any, before the shell
// exits, mirroring the ufs.ShutdownFS call in mkfs.go.
func (s *shell) shutdown() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != defs.EOK {
		logging.WithComponent("tosctl").Errorf("closing db: %v", err)
	}
}
