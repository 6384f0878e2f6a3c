// Package validate gates every user-supplied value before it becomes part of
// a cluster object name, an exec argument or a filesystem path.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/ppiankov/kiln/internal/failure"
)

// MaxRefLength bounds the raw image reference.
const MaxRefLength = 255

const defaultTag = "latest"

var (
	// component is one path segment of a repository name.
	component = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*$`)

	// domain is an optional registry host with an optional port.
	domain = regexp.MustCompile(`^(?:[a-z0-9]|[a-z0-9][a-z0-9-]*[a-z0-9])(?:\.(?:[a-z0-9]|[a-z0-9][a-z0-9-]*[a-z0-9]))*(?::[0-9]{1,5})?$`)

	tagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
)

// Ref is a validated, tagged image reference.
type Ref struct {
	// Domain is the registry host as written, empty when omitted.
	Domain string

	// Path is the repository path without the registry host.
	Path string

	// Tag is the explicit tag, or "latest" when omitted.
	Tag string

	// Registry is the resolved registry host (index.docker.io when omitted).
	Registry string
}

// Repository returns the repository with the domain as written.
func (r Ref) Repository() string {
	if r.Domain == "" {
		return r.Path
	}
	return r.Domain + "/" + r.Path
}

// String returns repository:tag, the name the build pushes to.
func (r Ref) String() string {
	return r.Repository() + ":" + r.Tag
}

// ImageRef validates raw against a strict allow-list grammar and returns the
// parsed reference. Digest references are rejected because a build pushes a
// tag. Errors are failure.InvalidInput.
func ImageRef(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, failure.Errorf(failure.InvalidInput, "image reference is empty")
	}
	if len(raw) > MaxRefLength {
		return Ref{}, failure.Errorf(failure.InvalidInput, "image reference too long (%d > %d characters)", len(raw), MaxRefLength)
	}
	if !utf8.ValidString(raw) || !isPrintableASCII(raw) {
		return Ref{}, failure.Errorf(failure.InvalidInput, "image reference %q contains characters outside the allowed set", raw)
	}
	if strings.Contains(raw, "@") {
		return Ref{}, failure.Errorf(failure.InvalidInput, "image reference %q: digests are not accepted, use a tag", raw)
	}

	repo, tag, tagged := splitTag(raw)
	if !tagged {
		tag = defaultTag
	} else if !tagPattern.MatchString(tag) {
		return Ref{}, failure.Errorf(failure.InvalidInput, "image reference %q: invalid tag %q", raw, tag)
	}

	segments := strings.Split(repo, "/")
	var ref Ref
	if len(segments) > 1 && looksLikeDomain(segments[0]) {
		if !domain.MatchString(segments[0]) {
			return Ref{}, failure.Errorf(failure.InvalidInput, "image reference %q: invalid registry host %q", raw, segments[0])
		}
		ref.Domain = segments[0]
		segments = segments[1:]
	}
	for _, seg := range segments {
		if !component.MatchString(seg) {
			return Ref{}, failure.Errorf(failure.InvalidInput, "image reference %q: invalid path segment %q", raw, seg)
		}
	}
	ref.Path = strings.Join(segments, "/")
	ref.Tag = tag

	parsed, err := name.NewTag(ref.String())
	if err != nil {
		return Ref{}, failure.New(failure.InvalidInput, fmt.Errorf("image reference %q: %w", raw, err))
	}
	ref.Registry = parsed.RegistryStr()

	return ref, nil
}

// splitTag separates a trailing :tag. A colon before the last slash belongs
// to a registry port.
func splitTag(raw string) (string, string, bool) {
	i := strings.LastIndex(raw, ":")
	if i == -1 || strings.Contains(raw[i+1:], "/") {
		return raw, "", false
	}
	return raw[:i], raw[i+1:], true
}

func looksLikeDomain(s string) bool {
	return strings.ContainsAny(s, ".:") || s == "localhost"
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] >= 0x7f {
			return false
		}
	}
	return true
}
