package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Python is the `python` tool kind (§4.7): runs code in a sub-process,
// feeding args merged with the execution context as JSON on stdin, and
// parsing stdout as JSON when possible.
type Python struct{}

func NewPython() *Python { return &Python{} }

func (p *Python) Name() string { return "python" }

func (p *Python) Execute(ctx context.Context, cfg Config) (Result, error) {
	code, _ := cfg.Map["code"].(string)
	if code == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "python tool requires code")
	}
	interpreter, _ := cfg.Map["python"].(string)
	if interpreter == "" {
		interpreter = "python3"
	}

	stdin := make(map[string]interface{}, len(cfg.Ctx)+1)
	for k, v := range cfg.Ctx {
		stdin[k] = v
	}
	if args, ok := cfg.Map["args"].(map[string]interface{}); ok {
		for k, v := range args {
			stdin[k] = v
		}
	}
	stdinJSON, err := json.Marshal(stdin)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Internal, "marshal python stdin", err)
	}

	cmd := exec.CommandContext(ctx, interpreter, "-c", code)
	if cwd, ok := cfg.Map["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}
	if env, ok := cfg.Map["env"].(map[string]interface{}); ok {
		cmd.Env = append(cmd.Env, cmd.Environ()...)
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	cmd.Stdin = bytes.NewReader(stdinJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Timeout, "python script timed out", ctx.Err())
	}

	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "start python interpreter", runErr)
	}

	result := Result{ExitCode: &exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
	if exitCode != 0 {
		result.Status = StatusError
		result.Error = fmt.Sprintf("python exited with status %d", exitCode)
		return result, nil
	}

	var parsed interface{}
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err == nil {
		if obj, ok := parsed.(map[string]interface{}); ok {
			result.Data = obj
		} else {
			result.Data = map[string]interface{}{"result": parsed}
		}
	}
	result.Status = StatusSuccess
	return result, nil
}
