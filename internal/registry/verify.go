package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Verify checks that ref exists in its registry and returns its manifest
// digest. It issues a HEAD request and never pushes.
func Verify(ctx context.Context, ref, username, password string, insecure bool) (string, error) {
	tag, err := name.NewTag(ref, nameOpts(insecure)...)
	if err != nil {
		return "", fmt.Errorf("parsing ref %q: %w", ref, err)
	}

	opts := []remote.Option{remote.WithContext(ctx)}
	if username != "" {
		opts = append(opts, remote.WithAuth(&authn.Basic{
			Username: username,
			Password: password,
		}))
	}

	desc, err := remote.Head(tag, opts...)
	if err != nil {
		return "", fmt.Errorf("checking %s: %w", ref, err)
	}
	return desc.Digest.String(), nil
}

func nameOpts(insecure bool) []name.Option {
	if insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}
