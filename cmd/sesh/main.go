// sesh – a terminal session manager.
//
// Usage:
//
//	sesh start [-n name] [-d] [program [args...]]   – create a session
//	sesh attach <selector>                          – attach to a session
//	sesh detach [selector]                          – detach a client
//	sesh kill <selector>                            – terminate a session
//	sesh list                                       – list live sessions
//	sesh shutdown                                   – stop the server
//
// With no arguments sesh starts the default shell and attaches to it.
// sesh starts seshd automatically if it is not already running.
// Detach from an attached session with Alt+\ (ESC then backslash).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	goerrors "github.com/go-errors/errors"

	"github.com/seshterm/sesh/internal/client"
	"github.com/seshterm/sesh/internal/config"
	"github.com/seshterm/sesh/internal/proto"
)

// Exit codes: 0 success / clean detach / clean exit, 1 usage or local
// error, 2 RPC or server error.  After an attached child exits, its code is
// surfaced instead.
const (
	exitOK    = 0
	exitUsage = 1
	exitRPC   = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(exitUsage, err)
	}

	if len(os.Args) < 2 {
		// Bare invocation: start the default shell and attach.
		cmdStart(cfg, nil)
		return
	}

	switch os.Args[1] {
	case "start":
		cmdStart(cfg, os.Args[2:])
	case "attach":
		cmdAttach(cfg, os.Args[2:])
	case "detach":
		cmdDetach(os.Args[2:])
	case "kill":
		cmdKill(os.Args[2:])
	case "list":
		cmdList()
	case "shutdown":
		cmdShutdown()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "sesh: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `sesh – terminal session manager

  start [-n name] [-d] [program [args...]]
                        Start a session (default: your shell), then attach
                        unless -d is given
  attach <selector>     Attach this terminal to a session (detach: Alt+\)
  detach [selector]     Detach whatever is attached to a session; with no
                        selector, detach your own attachment
  kill <selector>       Terminate a session (SIGHUP, then SIGKILL)
  list                  List live sessions
  shutdown              Terminate all sessions and stop the server

A selector is a session id or name; ids win when a name looks numeric.`)
}

// ─── Subcommand implementations ───────────────────────────────────────────────

func cmdStart(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("n", "", "session name (must be unique)")
	detached := fs.Bool("d", false, "start detached; do not attach")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: sesh start [-n name] [-d] [program [args...]]")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	var program string
	var programArgs []string
	if rest := fs.Args(); len(rest) > 0 {
		program = rest[0]
		programArgs = rest[1:]
	}

	cwd, err := os.Getwd()
	if err != nil {
		fatal(exitUsage, err)
	}

	resp, err := client.Call(proto.MsgStart, proto.Request{
		Name:     *name,
		Program:  program,
		Args:     programArgs,
		Env:      os.Environ(),
		Cwd:      cwd,
		Detached: *detached,
		Size:     client.TerminalSize(),
	})
	if err != nil {
		fatal(exitRPC, err)
	}

	if *detached {
		fmt.Printf("started session %s (id %d)\n", resp.Name, resp.ID)
		return
	}

	runAttach(cfg, strconv.FormatUint(resp.ID, 10))
}

func cmdAttach(cfg *config.Config, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sesh attach <selector>")
		os.Exit(exitUsage)
	}
	runAttach(cfg, args[0])
}

func runAttach(cfg *config.Config, selector string) {
	code, err := client.Attach(cfg, selector)
	if err != nil {
		fatal(code, err)
	}
	os.Exit(code)
}

func cmdDetach(args []string) {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: sesh detach [selector]")
		os.Exit(exitUsage)
	}
	req := proto.Request{}
	if len(args) == 1 {
		req.Selector = args[0]
	}

	resp, err := client.Call(proto.MsgDetach, req)
	if err != nil {
		fatal(exitRPC, err)
	}
	if resp.Detached {
		fmt.Println("detached")
	} else {
		fmt.Println("nothing attached")
	}
}

func cmdKill(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sesh kill <selector>")
		os.Exit(exitUsage)
	}

	resp, err := client.Call(proto.MsgKill, proto.Request{Selector: args[0]})
	if err != nil {
		fatal(exitRPC, err)
	}
	if resp.Killed {
		fmt.Printf("killed %s\n", args[0])
	}
}

func cmdList() {
	resp, err := client.Call(proto.MsgList, proto.Request{})
	if err != nil {
		fatal(exitRPC, err)
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}

	attachedColor := color.New(color.FgGreen)
	fmt.Printf("%-6s  %-16s  %-20s  %-10s  %-8s  %-8s  %s\n",
		"ID", "NAME", "PROGRAM", "UPTIME", "ATTACHED", "PID", "SIZE")
	for _, sess := range resp.Sessions {
		attached := "no"
		if sess.Attached {
			attached = attachedColor.Sprint("yes")
		}
		program := sess.Program
		if len(program) > 20 {
			program = program[:17] + "..."
		}
		fmt.Printf("%-6d  %-16s  %-20s  %-10s  %-8s  %-8d  %dx%d\n",
			sess.ID, sess.Name, program,
			formatUptime(time.Now().Unix()-sess.CreatedAt),
			attached, sess.ChildPID, sess.Size.Cols, sess.Size.Rows)
	}
}

func cmdShutdown() {
	_, err := client.CallExisting(proto.MsgShutdown, proto.Request{})
	if err != nil {
		if client.IsKind(err, proto.ErrServerUnavailable) {
			fmt.Println("no server running")
			return
		}
		fatal(exitRPC, err)
	}
	fmt.Println("server shut down")
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func formatUptime(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
}

// fatal reports err and exits.  SESH_DEBUG=1 adds a stack trace.
func fatal(code int, err error) {
	if os.Getenv("SESH_DEBUG") == "1" {
		fmt.Fprint(os.Stderr, goerrors.Wrap(err, 1).ErrorStack())
	} else {
		fmt.Fprintf(os.Stderr, "sesh: %v\n", err)
	}
	if code == 0 {
		code = exitUsage
	}
	os.Exit(code)
}
