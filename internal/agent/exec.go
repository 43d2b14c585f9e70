package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avaropoint/netctl/internal/protocol"
)

// ExecTimeout caps execute_command.
const ExecTimeout = 30 * time.Second

// Runner runs a program and reports its output and exit code. err is set
// only when the program could not run to completion.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, code int, err error)

// ExecResult is the payload of execute_command.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
}

// RunProcess is the default Runner.
func RunProcess(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(), -1, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return stdout.String(), stderr.String(), ee.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// shellCommand wraps command for the platform shell.
func shellCommand(goos, command string) (string, []string) {
	if goos == "windows" {
		return "cmd.exe", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}

func (a *Agent) handleExecuteCommand(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	command := strings.TrimSpace(p.String("command", ""))
	if command == "" {
		return protocol.Result{}, errors.New("command is required")
	}

	cctx, cancel := context.WithTimeout(ctx, a.opts.ExecTimeout)
	defer cancel()

	name, args := shellCommand(a.opts.GOOS, command)
	stdout, stderr, code, err := a.opts.Run(cctx, name, args...)
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Result{}, fmt.Errorf("command timed out after %s", a.opts.ExecTimeout)
	}
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.Result{Data: ExecResult{Stdout: stdout, Stderr: stderr, ReturnCode: code}}, nil
}
