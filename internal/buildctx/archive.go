package buildctx

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
)

// WriteArchive writes c as a gzip-compressed tar stream to w.
func WriteArchive(w io.Writer, c *Context) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	for _, f := range c.Files {
		if err := writeEntry(tw, c.Root, f); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, root string, f File) error {
	hdr := &tar.Header{
		Name:   f.Rel,
		Mode:   int64(f.Mode.Perm()),
		Format: tar.FormatPAX,
	}
	switch {
	case f.Link != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = f.Link
	case f.Mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = f.Size
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", f.Rel, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	full, err := securejoin.SecureJoin(root, f.Rel)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", f.Rel, err)
	}
	src, err := os.Open(full)
	if err != nil {
		return err
	}
	defer src.Close()

	// The header size was taken at walk time; a file that changed since then
	// would corrupt the stream.
	n, err := io.Copy(tw, io.LimitReader(src, f.Size))
	if err != nil {
		return fmt.Errorf("archiving %s: %w", f.Rel, err)
	}
	if n != f.Size {
		return fmt.Errorf("archiving %s: file changed while reading (%d of %d bytes)", f.Rel, n, f.Size)
	}
	return nil
}

// readFile reads a context file without following links out of root.
func readFile(root, rel string) ([]byte, error) {
	full, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", rel, err)
	}
	return os.ReadFile(full)
}
