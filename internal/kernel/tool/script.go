package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Script is the `script` tool kind (§4.7): launches a container job via a
// collaborator runtime, waits, and returns logs+exit. No Kubernetes or
// Docker client library appears anywhere in the example pack, so the
// collaborator boundary is a configured launcher binary (default
// `docker`) invoked the way the shell tool invokes bash, rather than a
// typed client SDK; `job.runner` overrides the binary for environments
// that front a different launcher (e.g. a kubectl wrapper).
type Script struct{}

func NewScript() *Script { return &Script{} }

func (s *Script) Name() string { return "script" }

func (s *Script) Execute(ctx context.Context, cfg Config) (Result, error) {
	scriptCfg, _ := cfg.Map["script"].(map[string]interface{})
	jobCfg, _ := cfg.Map["job"].(map[string]interface{})
	if scriptCfg == nil {
		return Result{}, kernelerr.New(kernelerr.Validation, "script tool requires a script spec")
	}

	image, _ := jobCfg["image"].(string)
	if image == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "script tool requires job.image")
	}
	runner, _ := jobCfg["runner"].(string)
	if runner == "" {
		runner = "docker"
	}

	args := []string{"run", "--rm"}
	for k, v := range envMap(jobCfg["env"]) {
		args = append(args, "-e", fmt.Sprintf("%s=%v", k, v))
	}
	args = append(args, image)

	switch scriptCfg["type"] {
	case "uri":
		uri, _ := scriptCfg["uri"].(string)
		args = append(args, uri)
	default:
		content, _ := scriptCfg["content"].(string)
		args = append(args, "-c", content)
	}

	if argsCfg, ok := cfg.Map["args"].(map[string]interface{}); ok {
		encoded, err := json.Marshal(argsCfg)
		if err == nil {
			args = append(args, string(encoded))
		}
	}

	cmd := exec.CommandContext(ctx, runner, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Timeout, "script job timed out", ctx.Err())
	}

	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Tool, "launch script job", runErr)
	}

	result := Result{ExitCode: &exitCode, Stdout: stdout.String(), Stderr: stderr.String(), Status: StatusSuccess}
	if exitCode != 0 {
		result.Status = StatusError
		result.Error = fmt.Sprintf("job exited with status %d", exitCode)
	}
	return result, nil
}

func envMap(raw interface{}) map[string]interface{} {
	m, _ := raw.(map[string]interface{})
	return m
}
