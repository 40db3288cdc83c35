package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// maxMessageLen bounds the stdout captured into a result message.
const maxMessageLen = 512

// CustomExecutor runs an arbitrary command. Exit code 0 is success.
// The check's Target is the command path.
type CustomExecutor struct{}

// NewCustomExecutor creates a custom command executor.
func NewCustomExecutor() *CustomExecutor {
	return &CustomExecutor{}
}

// CustomParams are executor-specific parameters for custom checks.
type CustomParams struct {
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
}

// Kind returns the check kind.
func (e *CustomExecutor) Kind() types.CheckKind {
	return types.CheckKindCustom
}

// Capabilities returns what this executor needs.
func (e *CustomExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Execute runs the command and maps its exit code to success.
func (e *CustomExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	params, err := DecodeParams[CustomParams](check.Config.Params)
	if err != nil {
		return Failed(0, fmt.Errorf("invalid params: %w", err), nil)
	}

	cmd := exec.CommandContext(ctx, check.Target, params.Args...)
	cmd.Dir = params.Dir
	if len(params.Env) > 0 {
		cmd.Env = os.Environ()
	}
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return Failed(elapsed, fmt.Errorf("run %s: %w", check.Target, err), nil)
	}
	metadata := map[string]any{"exit_code": exitCode}

	msg := truncate(strings.TrimSpace(stdout.String()), maxMessageLen)
	if exitCode != 0 {
		errText := truncate(strings.TrimSpace(stderr.String()), maxMessageLen)
		if errText == "" {
			errText = fmt.Sprintf("exit code %d", exitCode)
		}
		if msg == "" {
			msg = errText
		}
		return &Outcome{
			Success:      false,
			ResponseTime: elapsed,
			Message:      msg,
			Error:        errText,
			Metadata:     metadata,
		}
	}

	if msg == "" {
		msg = "command succeeded"
	}
	return &Outcome{
		Success:      true,
		ResponseTime: elapsed,
		Message:      msg,
		Metadata:     metadata,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
