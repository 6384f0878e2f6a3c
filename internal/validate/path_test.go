package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/kiln/internal/failure"
)

func workTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "app", "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "app", "Dockerfile"), []byte("FROM alpine\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestContextDir_Default(t *testing.T) {
	wd := workTree(t)
	got, err := ContextDir(wd, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != wd {
		t.Errorf("got %q, want %q", got, wd)
	}
}

func TestContextDir_Relative(t *testing.T) {
	wd := workTree(t)
	tests := []struct {
		raw  string
		want string
	}{
		{"app", filepath.Join(wd, "app")},
		{"./app/src", filepath.Join(wd, "app", "src")},
		{"app/src/..", filepath.Join(wd, "app")},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ContextDir(wd, tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextDir_Escapes(t *testing.T) {
	wd := workTree(t)
	for _, raw := range []string{"..", "../", "../other", "app/../../etc", "app/src/../../.."} {
		t.Run(raw, func(t *testing.T) {
			_, err := ContextDir(filepath.Join(wd, "app"), raw)
			if !failure.Is(err, failure.InvalidInput) {
				t.Errorf("expected InvalidInput for %q, got %v", raw, err)
			}
		})
	}
}

func TestContextDir_NotDirectory(t *testing.T) {
	wd := workTree(t)
	_, err := ContextDir(wd, "app/Dockerfile")
	if !failure.Is(err, failure.InvalidInput) {
		t.Errorf("expected InvalidInput for a file, got %v", err)
	}
}

func TestContextDir_Missing(t *testing.T) {
	wd := workTree(t)
	_, err := ContextDir(wd, "nope")
	if !failure.Is(err, failure.InvalidInput) {
		t.Errorf("expected InvalidInput for missing dir, got %v", err)
	}
}

func TestContextDir_Absolute(t *testing.T) {
	wd := workTree(t)
	abs := filepath.Join(wd, "app")
	got, err := ContextDir("/somewhere/else", abs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != abs {
		t.Errorf("got %q, want %q", got, abs)
	}
}

func TestContextDir_NulByte(t *testing.T) {
	if _, err := ContextDir(t.TempDir(), "app\x00"); !failure.Is(err, failure.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestRelPath(t *testing.T) {
	for _, ok := range []string{"Dockerfile", "src/main.go", "a/b/../c"} {
		if err := RelPath(ok); err != nil {
			t.Errorf("RelPath(%q): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x"} {
		if err := RelPath(bad); err == nil {
			t.Errorf("RelPath(%q): expected error", bad)
		}
	}
}
