package admission

import (
	"dft-job-queue/internal/models"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// RawParameters are the chemistry inputs as submitted
type RawParameters struct {
	Dielectric string
	Functional string
	Basis      string
	Charge     string
}

// ValidateUpload checks presence, extension and size of the structure file
func ValidateUpload(up Upload, maxBytes int64) error {
	if up.Filename == "" || len(up.Data) == 0 {
		return models.Invalid("sdfFile", "no structure file uploaded")
	}
	if !strings.EqualFold(filepath.Ext(up.Filename), ".sdf") {
		return models.Invalid("sdfFile", "only .sdf files are supported")
	}
	if int64(len(up.Data)) > maxBytes {
		return models.Invalid("sdfFile", fmt.Sprintf("file must be at most %d bytes", maxBytes))
	}
	return nil
}

// ValidateParameters decodes raw into typed parameters
func ValidateParameters(raw RawParameters) (models.Parameters, error) {
	var p models.Parameters

	if raw.Dielectric == "" {
		return p, models.Invalid("dielectric", "missing")
	}
	d, err := strconv.ParseFloat(raw.Dielectric, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return p, models.Invalid("dielectric", "must be a positive number")
	}
	p.Dielectric = d

	f, ok := lookup(models.Functionals, raw.Functional)
	if !ok {
		return p, models.Invalid("functional", "must be one of "+join(models.Functionals))
	}
	p.Functional = f

	b, ok := lookup(models.Bases, raw.Basis)
	if !ok {
		return p, models.Invalid("basis", "must be one of "+join(models.Bases))
	}
	p.Basis = b

	if raw.Charge == "" {
		return p, models.Invalid("charge", "missing")
	}
	c, err := strconv.Atoi(raw.Charge)
	if err != nil || strconv.Itoa(c) != raw.Charge {
		return p, models.Invalid("charge", "must be an integer")
	}
	p.Charge = c

	return p, nil
}

func lookup[T ~string](allowed []T, raw string) (T, bool) {
	for _, v := range allowed {
		if string(v) == raw {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func join[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
