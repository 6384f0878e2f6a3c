package buildctx

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// readArchive decodes a gzip tar stream into name -> content. Directories map
// to "/" and symlinks to "-> target".
func readArchive(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	zr, err := gzip.NewReader(r)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(zr)
	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			out[hdr.Name] = "/"
		case tar.TypeSymlink:
			out[hdr.Name] = "-> " + hdr.Linkname
		default:
			b, err := io.ReadAll(tr)
			if err != nil {
				t.Fatal(err)
			}
			out[hdr.Name] = string(b)
		}
	}
	return out
}

func TestWriteArchive(t *testing.T) {
	root := writeTree(t, map[string]string{
		"Dockerfile": "FROM alpine\n",
		"src/app.py": "print('hi')\n",
	})
	c, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteArchive(&buf, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := readArchive(t, &buf)
	want := map[string]string{
		"Dockerfile": "FROM alpine\n",
		"src/":       "/",
		"src/app.py": "print('hi')\n",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Errorf("%s: got %q, want %q", name, got[name], content)
		}
	}
}

func TestWriteArchive_FileChanged(t *testing.T) {
	root := writeTree(t, map[string]string{"Dockerfile": "FROM alpine\n"})
	c := &Context{Root: root, Files: []File{{Rel: "Dockerfile", Mode: 0o644, Size: 1000}}}

	if err := WriteArchive(io.Discard, c); err == nil {
		t.Fatal("expected error when file is shorter than recorded")
	}
}
