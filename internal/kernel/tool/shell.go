package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Shell is the `shell` tool kind (§4.7): spawns a sub-process, optionally
// capturing stdout/stderr, surfacing the exit code, and killing the
// process on context deadline.
type Shell struct{}

func NewShell() *Shell { return &Shell{} }

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Execute(ctx context.Context, cfg Config) (Result, error) {
	command, _ := cfg.Map["command"].(string)
	if command == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "shell tool requires a command")
	}
	shellBin, _ := cfg.Map["shell"].(string)
	if shellBin == "" {
		shellBin = "bash"
	}
	capture := true
	if v, ok := cfg.Map["capture"].(bool); ok {
		capture = v
	}

	cmd := exec.CommandContext(ctx, shellBin, "-c", command)
	if cwd, ok := cfg.Map["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}
	if env, ok := cfg.Map["env"].(map[string]interface{}); ok {
		cmd.Env = append(cmd.Env, cmd.Environ()...)
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	if capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Timeout, "shell command timed out", ctx.Err())
	}

	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "start shell command", runErr)
	}

	result := Result{
		Status:   StatusSuccess,
		ExitCode: &exitCode,
		Data:     map[string]interface{}{"exit_code": exitCode},
	}
	if capture {
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
	}
	if exitCode != 0 {
		result.Status = StatusError
		result.Error = fmt.Sprintf("command exited with status %d", exitCode)
	}
	return result, nil
}
