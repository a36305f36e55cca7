package compute

import (
	"context"
	"dft-job-queue/internal/models"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validator checks that a file is structurally a valid molecule file
type Validator interface {
	Validate(ctx context.Context, path string) error
}

// CommandValidator converts the file with Open Babel and rejects it when the
// conversion fails.
type CommandValidator struct {
	Command string
}

var noneConverted = regexp.MustCompile(`(?m)^\s*0 molecules converted`)

func (v CommandValidator) Validate(ctx context.Context, path string) error {
	name := strings.TrimSpace(v.Command)
	if name == "" {
		name = "obabel"
	}
	res, err := run(ctx, "", name, "-isdf", path, "-o", "sdf")
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("format check: %w", err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidFormat, firstLine(res.Stderr))
	}
	// obabel reports unreadable input on stderr while still exiting zero
	if noneConverted.MatchString(res.Stderr) {
		return fmt.Errorf("%w: no molecules read", models.ErrInvalidFormat)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
