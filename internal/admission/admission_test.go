package admission

import (
	"context"
	"dft-job-queue/internal/blob"
	"dft-job-queue/internal/database"
	"dft-job-queue/internal/models"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const waterSDF = "water\n  RDKit\n\n  3  2  0  0  0  0  0  0  0  0999 V2000\nM  END\n$$$$\n"

type fakeValidator struct {
	calls int
	paths []string
	err   error
}

func (v *fakeValidator) Validate(_ context.Context, path string) error {
	v.calls++
	v.paths = append(v.paths, path)
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return v.err
}

type failingStore struct{ err error }

func (s failingStore) CreateJob(_ context.Context, _ database.NewJob, _ int, stage database.StageFunc) (*models.Job, error) {
	if _, err := stage(99); err != nil {
		return nil, err
	}
	return nil, s.err
}

func setup(t *testing.T) (*Controller, *database.DB, blob.LocalFS, *fakeValidator) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fs := blob.LocalFS{Root: t.TempDir()}
	v := &fakeValidator{}
	return New(db, fs, v, Options{}), db, fs, v
}

func validParams() RawParameters {
	return RawParameters{Dielectric: "78.5", Functional: "M06-2X", Basis: "def2-svpd", Charge: "0"}
}

func upload() Upload {
	return Upload{Filename: "water.sdf", Data: []byte(waterSDF)}
}

func TestSubmitCreatesPendingJobAndStoresInput(t *testing.T) {
	c, db, fs, v := setup(t)
	job, err := c.Submit(context.Background(), "alice", upload(), validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusPending || job.RetryCount != 0 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Parameters.Dielectric != 78.5 || job.Parameters.Functional != models.FunctionalM062X {
		t.Fatalf("parameters not decoded: %+v", job.Parameters)
	}
	b, err := fs.Read(job.InputFilePath)
	if err != nil || string(b) != waterSDF {
		t.Fatalf("input not stored under %s: %v", job.InputFilePath, err)
	}
	if v.calls != 1 {
		t.Fatalf("expected one format check, got %d", v.calls)
	}
	if _, err := os.Stat(v.paths[0]); !os.IsNotExist(err) {
		t.Fatalf("scratch copy %s not removed", v.paths[0])
	}
	stored, err := db.GetJob(context.Background(), job.ID, "alice")
	if err != nil || stored.InputFilePath != job.InputFilePath {
		t.Fatalf("job not persisted: %+v %v", stored, err)
	}
}

func TestSubmitRejectsFractionalChargeWithoutSideEffects(t *testing.T) {
	c, db, _, v := setup(t)
	raw := validParams()
	raw.Charge = "1.5"
	_, err := c.Submit(context.Background(), "alice", upload(), raw)
	var ve *models.ValidationError
	if !errors.As(err, &ve) || ve.Field != "charge" {
		t.Fatalf("expected charge validation error, got %v", err)
	}
	if v.calls != 0 {
		t.Fatalf("format check must not run for invalid parameters")
	}
	jobs, _ := db.ListJobsByUser(context.Background(), "alice", "", 0)
	if len(jobs) != 0 {
		t.Fatalf("expected no job rows, got %d", len(jobs))
	}
}

func TestSubmitInvalidFormatCleansScratch(t *testing.T) {
	c, db, fs, v := setup(t)
	v.err = models.ErrInvalidFormat
	_, err := c.Submit(context.Background(), "alice", upload(), validParams())
	if !errors.Is(err, models.ErrInvalidFormat) {
		t.Fatalf("expected invalid format, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(fs.Root, "tmp"))
	if len(entries) != 0 {
		t.Fatalf("scratch dir not empty: %v", entries)
	}
	if n, _ := db.CountPending(context.Background(), "alice"); n != 0 {
		t.Fatalf("expected no pending jobs, got %d", n)
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	c, _, fs, _ := setup(t)
	ctx := context.Background()
	for i := 0; i < DefaultMaxPending; i++ {
		if _, err := c.Submit(ctx, "alice", upload(), validParams()); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := c.Submit(ctx, "alice", upload(), validParams())
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if fs.Exists("job6.sdf") {
		t.Fatalf("rejected submission must not leave an input file")
	}
	if _, err := c.Submit(ctx, "bob", upload(), validParams()); err != nil {
		t.Fatalf("other user should be admitted: %v", err)
	}
}

func TestSubmitRemovesStagedFileWhenCreateFails(t *testing.T) {
	fs := blob.LocalFS{Root: t.TempDir()}
	c := New(failingStore{err: errors.New("commit failed")}, fs, &fakeValidator{}, Options{})
	_, err := c.Submit(context.Background(), "alice", upload(), validParams())
	if err == nil || errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if fs.Exists("job99.sdf") {
		t.Fatalf("orphaned input file left behind")
	}
}

func TestValidateUpload(t *testing.T) {
	cases := []struct {
		name string
		up   Upload
		ok   bool
	}{
		{"valid", upload(), true},
		{"upper case extension", Upload{Filename: "MOL.SDF", Data: []byte("x")}, true},
		{"missing file", Upload{}, false},
		{"empty file", Upload{Filename: "a.sdf"}, false},
		{"wrong extension", Upload{Filename: "a.xyz", Data: []byte("x")}, false},
		{"too large", Upload{Filename: "a.sdf", Data: make([]byte, DefaultMaxUploadBytes+1)}, false},
		{"at limit", Upload{Filename: "a.sdf", Data: make([]byte, DefaultMaxUploadBytes)}, true},
	}
	for _, c := range cases {
		err := ValidateUpload(c.up, DefaultMaxUploadBytes)
		if (err == nil) != c.ok {
			t.Fatalf("%s: expected ok=%v, got %v", c.name, c.ok, err)
		}
		if err != nil && !errors.Is(err, models.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", c.name, err)
		}
	}
}

func TestValidateParameters(t *testing.T) {
	mutate := func(f func(*RawParameters)) RawParameters {
		raw := validParams()
		f(&raw)
		return raw
	}
	bad := map[string]RawParameters{
		"dielectric missing":  mutate(func(r *RawParameters) { r.Dielectric = "" }),
		"dielectric negative": mutate(func(r *RawParameters) { r.Dielectric = "-1" }),
		"dielectric word":     mutate(func(r *RawParameters) { r.Dielectric = "water" }),
		"dielectric zero":     mutate(func(r *RawParameters) { r.Dielectric = "0" }),
		"dielectric inf":      mutate(func(r *RawParameters) { r.Dielectric = "Inf" }),
		"functional unknown":  mutate(func(r *RawParameters) { r.Functional = "HF" }),
		"functional case":     mutate(func(r *RawParameters) { r.Functional = "m06-2x" }),
		"basis unknown":       mutate(func(r *RawParameters) { r.Basis = "sto-3g" }),
		"charge missing":      mutate(func(r *RawParameters) { r.Charge = "" }),
		"charge fractional":   mutate(func(r *RawParameters) { r.Charge = "1.5" }),
		"charge plus sign":    mutate(func(r *RawParameters) { r.Charge = "+1" }),
		"charge leading zero": mutate(func(r *RawParameters) { r.Charge = "01" }),
		"charge exponent":     mutate(func(r *RawParameters) { r.Charge = "1e0" }),
	}
	for name, raw := range bad {
		_, err := ValidateParameters(raw)
		var ve *models.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if field := strings.Fields(name)[0]; ve.Field != field {
			t.Fatalf("%s: expected field %s, got %s", name, field, ve.Field)
		}
	}

	p, err := ValidateParameters(RawParameters{Dielectric: "4.2", Functional: "PBE", Basis: "cc-pVDZ", Charge: "-2"})
	if err != nil {
		t.Fatalf("valid parameters rejected: %v", err)
	}
	want := models.Parameters{Dielectric: 4.2, Functional: models.FunctionalPBE, Basis: models.BasisCCPVDZ, Charge: -2}
	if p != want {
		t.Fatalf("expected %+v, got %+v", want, p)
	}
}
