package build

import (
	"github.com/ppiankov/kiln/internal/buildctx"
	"github.com/ppiankov/kiln/internal/cluster"
	"github.com/ppiankov/kiln/internal/config"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/job"
	"github.com/ppiankov/kiln/internal/validate"
)

// Request is the user's input for one build. It is not modified by Run.
type Request struct {
	// Image is the raw target reference, for example "alice/app:v1".
	Image string

	// Context is the raw build context path, resolved against WorkDir.
	Context string
	WorkDir string

	// Username and Token authenticate the in-cluster push. Both empty
	// means an anonymous push.
	Username string
	Token    string

	// VerifyPush checks the registry for the tag after a successful build.
	VerifyPush bool
	// Insecure allows plain HTTP for VerifyPush.
	Insecure bool

	// DryRun renders the build pod without touching the cluster.
	DryRun bool
}

// Plan is a validated Request with every name derived.
type Plan struct {
	Ref        validate.Ref
	Name       string
	SecretName string
	ConfigMap  string
	Context    *buildctx.Context
	Revision   string
	Strategy   buildctx.Strategy
	Spec       job.Spec
}

// Prepare validates req against cfg and derives all object names. It never
// contacts the cluster. Every error is failure.InvalidInput or
// failure.CredentialError.
func Prepare(req Request, cfg config.Config, runID string) (*Plan, error) {
	ref, err := validate.ImageRef(req.Image)
	if err != nil {
		return nil, err
	}
	if (req.Username == "") != (req.Token == "") {
		return nil, failure.Errorf(failure.CredentialError, "registry username and token must be given together")
	}

	dir, err := validate.ContextDir(req.WorkDir, req.Context)
	if err != nil {
		return nil, err
	}
	bctx, err := buildctx.Load(dir)
	if err != nil {
		return nil, err
	}
	strategy, err := buildctx.ParseStrategy(cfg.Transport)
	if err != nil {
		return nil, failure.New(failure.InvalidInput, err)
	}

	p := &Plan{
		Ref:      ref,
		Name:     validate.DerivedName(ref),
		Context:  bctx,
		Revision: buildctx.Revision(dir),
		Strategy: strategy,
	}
	p.SecretName = validate.Suffixed(p.Name, "auth")
	p.ConfigMap = validate.Suffixed(p.Name, "context")
	for _, n := range []string{cfg.Namespace, p.Name, p.SecretName, p.ConfigMap} {
		if err := validate.DNSLabel(n); err != nil {
			return nil, err
		}
	}

	spec := job.NewSpec(cfg.Namespace, p.Name, ref.String(), cfg.Platforms)
	spec.Strategy = strategy
	spec.BuilderImage = cfg.BuilderImage
	spec.Push = cfg.Push
	spec.Labels = cluster.Labels(p.Name, runID)
	if req.Username != "" {
		spec.CredentialSecret = p.SecretName
	}
	if p.Revision != "" {
		spec.Annotations[job.AnnotationRevision] = p.Revision
	}
	p.Spec = spec
	return p, nil
}

// HasCredentials reports whether the plan pushes with a credential secret.
func (p *Plan) HasCredentials() bool {
	return p.Spec.CredentialSecret != ""
}
