package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/ppiankov/kiln/internal/failure"
)

// MaxNameLength is the DNS-label bound applied to every generated name.
const MaxNameLength = validation.DNS1123LabelMaxLength

// DerivedPrefix starts every build object name.
const DerivedPrefix = "build"

const hashLength = 8

// DerivedName returns the build object name for ref. It is a pure function
// of repository and tag, so a rerun for the same image finds the objects of
// the previous run. References made only of lowercase alphanumerics and
// path slashes map directly; any other character is folded into a dash, so
// those names carry a short hash of the full reference to keep them apart.
//
//	DerivedName(alice/app:v1)         → "build-alice-app-v1"
//	DerivedName(alice/app:v1-latest)  → "build-alice-app-v1-latest-<hash>"
func DerivedName(ref Ref) string {
	repo, tag := ref.Repository(), ref.Tag
	if plain(repo, '/') && plain(tag, 0) {
		return ObjectName(DerivedPrefix, repo, tag)
	}
	return withHash(sanitize(DerivedPrefix+"-"+repo+"-"+tag), ref.String())
}

// plain reports whether s holds only [a-z0-9] and single sep runes between
// non-empty segments.
func plain(s string, sep rune) bool {
	prev := sep
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
		case sep != 0 && r == sep && prev != sep:
		default:
			return false
		}
		prev = r
	}
	return s != "" && prev != sep
}

// ObjectName joins parts into a DNS label. Anything outside [a-z0-9-] becomes
// a dash, runs of dashes collapse, and the result is trimmed. Names longer
// than 63 characters are truncated and suffixed with a short hash of the
// unsanitized input so distinct long inputs stay distinct.
func ObjectName(parts ...string) string {
	raw := strings.Join(parts, "-")
	s := sanitize(raw)
	if s == "" {
		s = "x"
	}
	if len(s) <= MaxNameLength {
		return s
	}
	return withHash(s, raw)
}

// withHash appends a short hash of raw to the sanitized name s, truncating s
// so the result stays within the DNS-label bound.
func withHash(s, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	suffix := hex.EncodeToString(sum[:])[:hashLength]
	if limit := MaxNameLength - hashLength - 1; len(s) > limit {
		s = s[:limit]
	}
	s = strings.TrimRight(s, "-")
	if s == "" {
		return "x-" + suffix
	}
	return s + "-" + suffix
}

// Suffixed derives a child name (for example the credential secret) from a
// base object name, keeping the result within the DNS-label bound.
func Suffixed(base, suffix string) string {
	return ObjectName(base, suffix)
}

// DNSLabel verifies that s is a valid RFC 1123 label.
func DNSLabel(s string) error {
	if errs := validation.IsDNS1123Label(s); len(errs) > 0 {
		return failure.Errorf(failure.InvalidInput, "name %q: %s", s, strings.Join(errs, "; "))
	}
	return nil
}

// LabelValue verifies that s can be used as a Kubernetes label value.
func LabelValue(s string) error {
	if errs := validation.IsValidLabelValue(s); len(errs) > 0 {
		return failure.New(failure.InvalidInput, fmt.Errorf("label value %q: %s", s, strings.Join(errs, "; ")))
	}
	return nil
}

func sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	dash := false
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
