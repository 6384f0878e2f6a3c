package buildctx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/kube"
)

// ContextDir is where the build container expects the context.
const ContextDir = "/workspace/context"

// extractScript creates the target before extracting, since the container
// can report ready before its own script has run.
const extractScript = `mkdir -p "$1" && exec tar -xzf - -C "$1"`

// ExtractCommand is the command Upload runs in the build container.
func ExtractCommand() []string {
	return []string{"sh", "-c", extractScript, "kiln-extract", ContextDir}
}

// PodCopy streams the context as a gzip tar into a running pod. It has no
// size ceiling but needs the pod ready first.
type PodCopy struct {
	Exec kube.Executor
}

func (p *PodCopy) Strategy() Strategy { return StrategyPodCopy }

// Stage is a no-op; the pod does not exist yet.
func (p *PodCopy) Stage(context.Context, Target) (Staged, error) {
	return Staged{}, nil
}

// Upload pipes the archive into tar running in the build container and
// returns the number of compressed bytes sent. Both ends are joined before
// it returns.
func (p *PodCopy) Upload(ctx context.Context, t Target) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	var stderr bytes.Buffer

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := WriteArchive(counter, t.Context)
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := p.Exec.Exec(gctx, kube.ExecRequest{
			Namespace: t.Namespace,
			Pod:       t.Pod,
			Container: t.Container,
			Command:   ExtractCommand(),
			Stdin:     pr,
			Stdout:    io.Discard,
			Stderr:    &stderr,
		})
		// Unblock the writer if exec ended before consuming everything.
		_ = pr.CloseWithError(io.ErrClosedPipe)
		return err
	})

	if err := g.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return counter.n, failure.New(failure.ContextUploadError, fmt.Errorf("copying context into %s/%s: %w", t.Namespace, t.Pod, err))
	}

	log.FromContext(ctx).Info("uploaded build context",
		"files", len(t.Context.Files),
		"size", humanize.IBytes(uint64(t.Context.Size())),
		"compressed", humanize.IBytes(uint64(counter.n)))
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
