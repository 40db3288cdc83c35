package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// SecretLookup resolves a secret reference such as "op://vault/item/field".
type SecretLookup func(ctx context.Context, ref string) (string, error)

// ServiceExecutor checks that an OS service is active via systemctl,
// locally or on a remote host over SSH. The check's Target is the unit name.
type ServiceExecutor struct {
	// SystemctlPath is the local systemctl binary. Default: "systemctl"
	SystemctlPath string

	// Secrets resolves op:// references in SSH credentials. Optional.
	Secrets SecretLookup
}

// NewServiceExecutor creates a service executor.
func NewServiceExecutor(secrets SecretLookup) *ServiceExecutor {
	return &ServiceExecutor{
		SystemctlPath: "systemctl",
		Secrets:       secrets,
	}
}

// ServiceParams are executor-specific parameters for service checks.
type ServiceParams struct {
	Host       string `json:"host,omitempty"` // empty = local
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Kind returns the check kind.
func (e *ServiceExecutor) Kind() types.CheckKind {
	return types.CheckKindService
}

// Capabilities returns what this executor needs. systemctl is only needed for
// local checks, so it is not declared as a hard dependency.
func (e *ServiceExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Execute queries the unit's active state.
func (e *ServiceExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	params, err := DecodeParams[ServiceParams](check.Config.Params)
	if err != nil {
		return Failed(0, fmt.Errorf("invalid params: %w", err), nil)
	}

	unit := check.Target
	metadata := map[string]any{"service": unit}

	start := time.Now()
	var state string
	if params.Host == "" {
		state, err = e.localState(ctx, unit)
	} else {
		metadata["host"] = params.Host
		state, err = e.remoteState(ctx, unit, params)
	}
	elapsed := time.Since(start)

	if state != "" {
		metadata["state"] = state
	}
	if state == "active" {
		return &Outcome{
			Success:      true,
			ResponseTime: elapsed,
			Message:      fmt.Sprintf("%s is active", unit),
			Metadata:     metadata,
		}
	}
	if state == "" && err != nil {
		return Failed(elapsed, err, metadata)
	}
	return &Outcome{
		Success:      false,
		ResponseTime: elapsed,
		Message:      fmt.Sprintf("%s is %s", unit, state),
		Error:        fmt.Sprintf("service state %s", state),
		Metadata:     metadata,
	}
}

// localState runs systemctl is-active. A non-zero exit still prints the state.
func (e *ServiceExecutor) localState(ctx context.Context, unit string) (string, error) {
	path := e.SystemctlPath
	if path == "" {
		path = "systemctl"
	}
	out, err := exec.CommandContext(ctx, path, "is-active", unit).Output()
	return strings.TrimSpace(string(out)), err
}

func (e *ServiceExecutor) remoteState(ctx context.Context, unit string, p ServiceParams) (string, error) {
	password, err := e.resolve(ctx, p.Password)
	if err != nil {
		return "", err
	}
	key, err := e.resolve(ctx, p.PrivateKey)
	if err != nil {
		return "", err
	}

	client, err := connectSSH(ctx, sshConfig{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   password,
		PrivateKey: []byte(key),
	})
	if err != nil {
		return "", err
	}
	defer client.Close()

	out, err := client.Run(ctx, "systemctl is-active "+shellQuote(unit))
	return strings.TrimSpace(out), err
}

func (e *ServiceExecutor) resolve(ctx context.Context, v string) (string, error) {
	if !strings.HasPrefix(v, "op://") {
		return v, nil
	}
	if e.Secrets == nil {
		return "", fmt.Errorf("secret reference %s but no resolver configured", v)
	}
	return e.Secrets(ctx, v)
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
