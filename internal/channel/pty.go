package channel

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// PTYProvider yields a (reader, writer, resize handle) triple plus a
// child-exit future. The concrete implementation below runs a child
// process under a creack/pty master.
type PTYProvider interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Signal(sig os.Signal) error
	Wait() (exitCode int32, err error)
	Close() error
}

// processPTY wraps an *os.File PTY master tied to a running *exec.Cmd.
type processPTY struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

// StartPTY spawns command with args under a PTY sized (cols, rows), with
// env applied on top of the current process environment and TERM
// defaulted to xterm-256color unless the caller already supplied one.
func StartPTY(name string, args []string, cols, rows uint16, env map[string]string, dir string) (PTYProvider, error) {
	cmd := exec.Command(name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = mergeEnv(env)

	size := &pty.Winsize{Cols: cols, Rows: rows}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, err
	}
	return &processPTY{ptmx: ptmx, cmd: cmd}, nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	hasTerm := false
	for k := range extra {
		if k == "TERM" {
			hasTerm = true
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

func (p *processPTY) Read(buf []byte) (int, error)  { return p.ptmx.Read(buf) }
func (p *processPTY) Write(buf []byte) (int, error) { return p.ptmx.Write(buf) }

func (p *processPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *processPTY) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *processPTY) Wait() (int32, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return int32(exitErr.ExitCode()), nil
	}
	return -1, err
}

func (p *processPTY) Close() error {
	return p.ptmx.Close()
}
