package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// maxShellTimeout caps any single command.
const maxShellTimeout = 5 * time.Minute

// ShellConfig configures CLI delegation.
type ShellConfig struct {
	WorkingDir string

	// Allowed lists the programs that may be run, matched against the
	// first word of the command. Empty allows any program.
	Allowed []string

	// Denied lists substrings that block a command outright.
	Denied []string

	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultDenied blocks the obviously destructive.
var DefaultDenied = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -r 777 /",
	"shutdown",
	"reboot",
	":(){",
}

// Shell runs commands through sh -c under allow and deny lists.
type Shell struct {
	cfg ShellConfig
}

// NewShell creates a Shell. Zero timeout and output limits take
// defaults of 30s and 64 KiB.
func NewShell(cfg ShellConfig) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 << 10
	}
	if cfg.Denied == nil {
		cfg.Denied = DefaultDenied
	}
	return &Shell{cfg: cfg}
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// ErrCommandBlocked is returned for commands outside policy.
var ErrCommandBlocked = errors.New("command blocked by policy")

// Check reports whether command passes the allow and deny lists.
func (s *Shell) Check(command string) error {
	lower := strings.ToLower(command)
	for _, pattern := range s.cfg.Denied {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return fmt.Errorf("%w: matches denied pattern %q", ErrCommandBlocked, pattern)
		}
	}
	if len(s.cfg.Allowed) == 0 {
		return nil
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty command", ErrCommandBlocked)
	}
	program := filepath.Base(fields[0])
	for _, allowed := range s.cfg.Allowed {
		if program == allowed {
			// Chaining would let an allowed program smuggle in another.
			if strings.ContainsAny(command, ";&|`$") {
				return fmt.Errorf("%w: shell operators are not allowed with an allowlist", ErrCommandBlocked)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not in the allowlist", ErrCommandBlocked, program)
}

// Exec runs command. A non-zero exit is a result, not an error.
func (s *Shell) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if err := s.Check(command); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.cfg.WorkingDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.cfg.MaxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.cfg.MaxOutputBytes),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// truncateOutput keeps at most maxBytes of s, cut on a rune boundary.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[output truncated]"
}

// SetShell adds the gated shell_exec tool under the "shell" feature.
func (r *Registry) SetShell(sh *Shell) {
	r.Register(&Tool{
		Name:    "shell_exec",
		Feature: "shell",
		Gated:   true,
		Description: "Run a command on the host through sh -c and return its output and exit code. " +
			"Commands are checked against an allowlist and a denylist.",
		Params: map[string]Param{
			"command":         {Type: "string", Description: "The command line to run"},
			"timeout_seconds": {Type: "integer", Description: "Timeout in seconds (max 300). Default: 30"},
		},
		Required: []string{"command"},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			command := stringArg(args, "command")
			timeout := time.Duration(intArg(args, "timeout_seconds", 0, int(maxShellTimeout/time.Second))) * time.Second
			res, err := sh.Exec(ctx, command, timeout)
			if errors.Is(err, ErrCommandBlocked) {
				return Result{}, InvalidArgs("%v", err)
			}
			if err != nil {
				return Result{}, err
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "exit code: %d\n", res.ExitCode)
			if res.TimedOut {
				sb.WriteString("timed out\n")
			}
			if res.Stdout != "" {
				fmt.Fprintf(&sb, "\nstdout:\n%s", res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprintf(&sb, "\nstderr:\n%s", res.Stderr)
			}
			return Text(sb.String()), nil
		},
	})
}
