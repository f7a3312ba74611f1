package testutils

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

var multiSpaceRegex = regexp.MustCompile(" +")

// RunOMR executes an omr command with the given arguments string (split by spaces).
func RunOMR(ctx context.Context, env []string, binary, cmdArgs string, nolog bool) (stdout, stderr []byte, err error) {
	// Sanitize command.
	cmdArgs = strings.TrimSpace(cmdArgs)
	cmdArgs = multiSpaceRegex.ReplaceAllString(cmdArgs, " ")

	var args []string
	if cmdArgs != "" {
		args = strings.Split(cmdArgs, " ")
	}

	var outData, errData bytes.Buffer
	cmd := newCmd(ctx, env, binary, args, nolog)
	cmd.Stdout = &outData
	cmd.Stderr = &errData

	err = cmd.Run()

	return outData.Bytes(), errData.Bytes(), err
}

// Process is a long running omr command (e.g. the broker).
type Process struct {
	cmd    *exec.Cmd
	mu     sync.Mutex
	output bytes.Buffer
	done   chan error
}

// StartOMR starts an omr command in background, it's killed when ctx is done.
func StartOMR(ctx context.Context, env []string, binary string, args []string) (*Process, error) {
	p := &Process{done: make(chan error, 1)}
	p.cmd = newCmd(ctx, env, binary, args, false)
	p.cmd.Stdout = p
	p.cmd.Stderr = p

	if err := p.cmd.Start(); err != nil {
		return nil, err
	}
	go func() { p.done <- p.cmd.Wait() }()

	return p, nil
}

// Write collects the process output.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output.Write(b)
}

// Output returns the combined output of the process so far.
func (p *Process) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output.String()
}

// Stop sends an interrupt and waits for the process to exit.
func (p *Process) Stop() error {
	_ = p.cmd.Process.Signal(os.Interrupt)
	return <-p.done
}

func newCmd(ctx context.Context, env []string, binary string, args []string, nolog bool) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)

	// In Go's exec.Cmd, when duplicate keys exist, the last one wins.
	newEnv := append([]string{}, os.Environ()...)
	newEnv = append(newEnv, env...)
	if nolog {
		newEnv = append(newEnv, "OMR_NO_LOG=true")
	}
	cmd.Env = newEnv

	return cmd
}
