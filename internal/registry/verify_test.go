package registry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

func TestVerify_Exists(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	ref := host + "/alice/app:v1"

	img, err := random.Image(256, 1)
	if err != nil {
		t.Fatal(err)
	}
	tag, err := name.NewTag(ref, name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Write(tag, img); err != nil {
		t.Fatalf("seeding registry: %v", err)
	}
	want, err := img.Digest()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Verify(context.Background(), ref, "", "", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want.String() {
		t.Errorf("digest: got %s, want %s", got, want)
	}
}

func TestVerify_Missing(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	if _, err := Verify(context.Background(), host+"/alice/app:v1", "", "", true); err == nil {
		t.Fatal("expected error for missing tag")
	}
}

func TestVerify_InvalidRef(t *testing.T) {
	if _, err := Verify(context.Background(), "UPPER/app:v1", "", "", true); err == nil {
		t.Fatal("expected error for invalid ref")
	}
}
