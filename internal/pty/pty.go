// Package pty owns one master/slave pseudoterminal pair and the child
// process spawned on its slave side.  The child runs in its own session with
// the slave as controlling terminal, so job control and signal delivery work
// the way they would on a real terminal.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
)

// Winsize is the window size applied to the slave side.
type Winsize struct {
	Rows uint16
	Cols uint16
	Xpix uint16
	Ypix uint16
}

// ExitStatus describes how the child ended.
type ExitStatus struct {
	// Code is the value a shell would report in $?: the child's exit code,
	// or 128+signum when the child died from a signal.
	Code   int
	Signal syscall.Signal // 0 unless the child was killed by a signal
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("signal: %s", s.Signal)
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// SpawnError is returned when the child could not be started: PTY
// allocation, fork, controlling-tty setup, or exec failure.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Pty is the server-side handle to one session's pseudoterminal and child.
// The master fd is owned exclusively by this handle; Read/Write/Resize all
// operate on it.  Close the master only when the session terminates, never
// on detach — the kernel buffers output produced while no client reads.
type Pty struct {
	master *os.File
	cmd    *exec.Cmd
	pid    int

	waitOnce sync.Once
	status   ExitStatus
}

// Spawn allocates a PTY pair and starts program on the slave side.
//
// creack/pty arranges the child half: new session (setsid), the slave as
// controlling terminal (set before exec, otherwise job control breaks), and
// the slave duped onto fds 0/1/2.  The initial window size is applied to the
// slave before the child runs, so programs that query it at startup see the
// creator's size.  env is passed verbatim; the caller injects SESH_NAME and
// SESH_SESSION_ID.
func Spawn(program string, args, env []string, cwd string, size Winsize) (*Pty, error) {
	cmd := exec.Command(program, args...)
	cmd.Dir = cwd
	cmd.Env = env

	master, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Rows: size.Rows,
		Cols: size.Cols,
		X:    size.Xpix,
		Y:    size.Ypix,
	})
	if err != nil {
		return nil, &SpawnError{Program: program, Err: err}
	}

	return &Pty{
		master: master,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
	}, nil
}

// Pid returns the top-level child's process id.
func (p *Pty) Pid() int { return p.pid }

// Read reads child output from the master.  Returns an error once the slave
// side is fully closed (child exited); treat that as advisory — Wait is the
// authoritative exit signal.
func (p *Pty) Read(b []byte) (int, error) { return p.master.Read(b) }

// Write writes client input to the master.  Partial writes are possible.
func (p *Pty) Write(b []byte) (int, error) { return p.master.Write(b) }

// Resize applies a new window size to the slave.  The kernel raises SIGWINCH
// in the child's foreground process group as a side effect.
func (p *Pty) Resize(size Winsize) error {
	return creackpty.Setsize(p.master, &creackpty.Winsize{
		Rows: size.Rows,
		Cols: size.Cols,
		X:    size.Xpix,
		Y:    size.Ypix,
	})
}

// Signal sends sig to the child's process group, so subshells and foreground
// jobs receive it too.  Falls back to the child alone if the group lookup
// fails (the child may already be gone).
func (p *Pty) Signal(sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(p.pid)
	if err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(p.pid, sig)
}

// Wait reaps the child and returns its exit status.  Idempotent: the first
// call blocks in waitpid, later calls return the cached status.
func (p *Pty) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.status = statusFromWait(err)
	})
	return p.status
}

// Close closes the master fd.  Call only at session termination.
func (p *Pty) Close() error { return p.master.Close() }

func statusFromWait(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal()}
			}
			return ExitStatus{Code: ws.ExitStatus()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	// Wait itself failed; nothing better to report than a generic failure.
	return ExitStatus{Code: 1}
}
