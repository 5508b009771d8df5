// Package command runs the external tools the pipeline shells out to
// (omni for aggregate managers, unisencoder for encoding).
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes one invocation. Args are passed as argv; no shell is used.
type Spec struct {
	Path string
	Args []string
	Dir  string
}

// String renders the invocation for logs.
func (s Spec) String() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// ExitError reports a tool that exited nonzero or could not finish.
type ExitError struct {
	Tool   string
	Code   int // -1 when the process was killed or never ran to completion
	Stderr string
	Cause  error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", filepath.Base(e.Tool), e.Code)
	if first := strings.SplitN(strings.TrimSpace(e.Stderr), "\n", 2)[0]; first != "" {
		msg += ": " + first
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Cause }

// Code returns the exit code carried by err, if any.
func Code(err error) (int, bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	return 0, false
}

// Run executes spec and waits for it. A nonzero exit is returned as an
// *ExitError with the code verbatim. Cancelling ctx kills the process.
func Run(ctx context.Context, spec Spec) error {
	if spec.Path == "" {
		return fmt.Errorf("command: empty tool path")
	}
	path, err := ExpandHome(spec.Path)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	if runErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		cause := error(runErr)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// killed on cancellation
			code = -1
			cause = ctxErr
		}
		return &ExitError{Tool: path, Code: code, Stderr: stderrBuf.String(), Cause: cause}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ExitError{Tool: path, Code: -1, Cause: ctxErr}
	}
	return fmt.Errorf("run %s: %w", path, runErr)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
