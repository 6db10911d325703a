// Package ptysup owns the OS side of a session: fork/exec a child under a
// pseudo-terminal, expose the master fd, resize the window, and supervise
// the child through hangup and reap.
package ptysup

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// PTY is one spawned child with its master fd.
type PTY struct {
	Master *os.File
	Cmd    *exec.Cmd
	Pid    int

	reapOnce sync.Once
	waitErr  error
}

// DefaultShell resolves the command to exec when none is configured:
// $SHELL, falling back to /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Spawn forks and execs command under a new PTY with the given initial
// window size. The slave becomes the child's controlling terminal and
// stdio.
func Spawn(command string, rows, cols uint16) (*PTY, error) {
	if command == "" {
		command = DefaultShell()
	}
	cmd := exec.Command(command)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	return &PTY{Master: master, Cmd: cmd, Pid: cmd.Process.Pid}, nil
}

// Resize updates the PTY window size via the OS ioctl.
func (p *PTY) Resize(rows, cols uint16) error {
	if err := pty.Setsize(p.Master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// Hangup sends SIGHUP to the child.
func (p *PTY) Hangup() {
	if p.Cmd.Process != nil {
		p.Cmd.Process.Signal(syscall.SIGHUP)
	}
}

// Reap waits for the child to exit. Safe to call more than once; the exit
// status is collected exactly once.
func (p *PTY) Reap() error {
	p.reapOnce.Do(func() {
		p.waitErr = p.Cmd.Wait()
	})
	return p.waitErr
}

// Close closes the master fd.
func (p *PTY) Close() error {
	return p.Master.Close()
}
