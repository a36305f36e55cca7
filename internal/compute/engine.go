// Package compute runs the external optimization and format-check programs.
package compute

import (
	"bytes"
	"context"
	"dft-job-queue/internal/models"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when a run exceeds its deadline
	ErrTimeout = errors.New("compute engine timed out")
	// ErrFailed is returned for a non-zero exit or a failed invocation
	ErrFailed = models.ErrComputeFailure
)

// Request describes one optimization run
type Request struct {
	InputPath  string
	Parameters models.Parameters
	OutputDir  string
}

// Result is what the engine reported for a run
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Engine runs a geometry optimization
type Engine interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// CommandEngine invokes the optimizer as an external program. Command may
// carry leading arguments, e.g. "poetry run run_opt".
type CommandEngine struct {
	Command string
	WorkDir string
}

// Args builds the optimizer command line for req
func (e CommandEngine) Args(req Request) []string {
	p := req.Parameters
	return []string{
		"--sdf-file-path", req.InputPath,
		"--dielectric-constant", strconv.FormatFloat(p.Dielectric, 'f', -1, 64),
		"--functional", string(p.Functional),
		"--basis", string(p.Basis),
		"--charge", strconv.Itoa(p.Charge),
		"--output-dir", req.OutputDir,
	}
}

// Run blocks until the program exits or ctx ends
func (e CommandEngine) Run(ctx context.Context, req Request) (Result, error) {
	fields := strings.Fields(e.Command)
	if len(fields) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("no compute command configured: %w", ErrFailed)
	}
	return run(ctx, e.WorkDir, fields[0], append(fields[1:], e.Args(req)...)...)
}

func run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	err := cmd.Run()
	res := Result{Stdout: out.String(), Stderr: errOut.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		return res, fmt.Errorf("%s: %v: %w", name, err, ErrFailed)
	}
	return res, nil
}

// ArtifactName predicts the result file the optimizer writes for input: the
// input's base name with an .xyz extension, inside the output directory.
func ArtifactName(input string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".xyz"
}
