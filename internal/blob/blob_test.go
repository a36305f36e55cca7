package blob

import (
	"errors"
	"strings"
	"testing"
)

func TestLocalFSWriteReadRemove(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}

	if err := fs.Write("job1.sdf", strings.NewReader("mol")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !fs.Exists("job1.sdf") {
		t.Fatalf("expected file to exist")
	}
	b, err := fs.Read("job1.sdf")
	if err != nil || string(b) != "mol" {
		t.Fatalf("read: %q %v", b, err)
	}
	if err := fs.Write("logs/job1-attempt1.log", strings.NewReader("out")); err != nil {
		t.Fatalf("nested write: %v", err)
	}
	if err := fs.Remove("job1.sdf"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if fs.Exists("job1.sdf") {
		t.Fatalf("expected file removed")
	}
	if err := fs.Remove("job1.sdf"); err != nil {
		t.Fatalf("removing a missing key should succeed: %v", err)
	}
}

func TestLocalFSRejectsTraversal(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	for _, key := range []string{"../etc/passwd", "/etc/passwd", "..", "a/../../b"} {
		if err := fs.Write(key, strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("%s: expected ErrInvalidKey, got %v", key, err)
		}
		if fs.Exists(key) {
			t.Fatalf("%s: should not exist", key)
		}
	}
}

func TestArchiveContentType(t *testing.T) {
	cases := map[string]string{
		"job7.xyz":               "chemical/x-xyz",
		"job7.SDF":               "chemical/x-mdl-sdfile",
		"logs/job7-attempt1.log": "text/plain",
		"job7.bin":               "application/octet-stream",
	}
	for key, want := range cases {
		if got := contentType(key); got != want {
			t.Fatalf("%s: expected %s, got %s", key, want, got)
		}
	}
}
