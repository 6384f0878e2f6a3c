// Package build runs one remote image build: validation, cluster objects,
// context transport, the build pod, monitoring and cleanup.
package build

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/buildctx"
	"github.com/ppiankov/kiln/internal/cleanup"
	"github.com/ppiankov/kiln/internal/cluster"
	"github.com/ppiankov/kiln/internal/config"
	"github.com/ppiankov/kiln/internal/events"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/job"
	"github.com/ppiankov/kiln/internal/kube"
	"github.com/ppiankov/kiln/internal/metrics"
	"github.com/ppiankov/kiln/internal/monitor"
	"github.com/ppiankov/kiln/internal/notify"
	"github.com/ppiankov/kiln/internal/poll"
	"github.com/ppiankov/kiln/internal/registry"
	"github.com/ppiankov/kiln/internal/session"
)

const (
	deleteInterval = time.Second
	readyInterval  = 2 * time.Second

	// tailTimeout bounds reading logs for a failure report.
	tailTimeout = 10 * time.Second
)

// VerifyFunc checks that a pushed tag exists and returns its digest.
type VerifyFunc func(ctx context.Context, ref, username, password string, insecure bool) (string, error)

// Orchestrator sequences a build. One Orchestrator may run builds one
// after another; each Run owns its own session.
type Orchestrator struct {
	Clients *kube.Clients
	Config  config.Config

	Emitter  *events.Emitter
	Metrics  *metrics.Counters
	Notifier *notify.Notifier

	// LockDir holds per-build lock files. Empty uses DefaultLockDir.
	LockDir string

	// Out receives build log lines as they arrive. Nil discards them.
	Out io.Writer

	// Sleep replaces time.Sleep in every polling loop.
	Sleep func(time.Duration)

	// Verify checks the pushed tag. Nil uses registry.Verify.
	Verify VerifyFunc

	// CleanupTimeout bounds cleanup. Zero uses cleanup.DefaultTimeout.
	CleanupTimeout time.Duration
}

// Result describes a finished run.
type Result struct {
	RunID     string
	Image     string
	Namespace string
	Pod       string

	// Outcome is Succeeded, Failed or TimedOut.
	Outcome session.Phase
	History []session.Phase

	Digest        string
	ContextBytes  int64
	Lines         int
	StaleReplaced bool

	// Tail is the end of the build log, set on failures after the build
	// pod existed.
	Tail []string

	Cleanup  cleanup.Report
	Duration time.Duration

	// Manifest is the rendered pod for dry runs.
	Manifest []byte
}

// Run executes req. It returns nil only when the build succeeded. Every
// object created along the way is deleted before Run returns, also when ctx
// is canceled; cleanup problems are reported in Result.Cleanup and never
// turn a success into an error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	sess := session.New(o.Config.Namespace, "")
	res := Result{RunID: sess.ID, Namespace: o.Config.Namespace}

	plan, err := Prepare(req, o.Config, sess.ID)
	if err != nil {
		o.advance(ctx, sess, session.Failed)
		res.Outcome = session.Failed
		res.History = sess.History()
		res.Duration = time.Since(start)
		o.report(ctx, &res, err)
		return res, err
	}
	sess.Name = plan.Name
	res.Image = plan.Ref.String()
	res.Pod = plan.Name

	if req.DryRun {
		res.Manifest, err = job.Manifest(plan.Spec)
		return res, err
	}

	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("build", plan.Name, "run", sess.ID))
	err = o.Clients.Ping(ctx)
	if err == nil {
		// Held through cleanup: the next local run reuses the same names.
		var lock *flock.Flock
		lock, err = acquireLock(ctx, o.lockDir(), plan.Name, o.Config.LockTimeout, o.Sleep)
		if err == nil {
			defer func() { _ = lock.Unlock() }()
			err = o.execute(ctx, sess, plan, req, &res)
		}
	}

	res.Outcome = session.Succeeded
	if err != nil {
		res.Outcome = outcomePhase(err)
		o.advance(ctx, sess, res.Outcome)
		if sess.Has(session.KindPod) && len(failure.Tail(err)) == 0 {
			if tail := o.captureTail(ctx, plan); len(tail) > 0 {
				err = failure.WithTail(err, tail)
			}
		}
	}

	if sess.Mutated() {
		res.Cleanup = o.coordinator().Cleanup(ctx, sess)
		for _, w := range res.Cleanup.Warnings {
			log.FromContext(ctx).Info("cleanup warning", "warning", w)
		}
	}

	res.History = sess.History()
	res.Tail = failure.Tail(err)
	res.Duration = time.Since(start)
	o.report(ctx, &res, err)
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, sess *session.Session, plan *Plan, req Request, res *Result) error {
	logger := log.FromContext(ctx)
	ns := o.Config.Namespace
	spec := plan.Spec

	logger.Info("starting build", "image", res.Image, "platforms", strings.Join(spec.Platforms, ","),
		"transport", plan.Strategy, "files", len(plan.Context.Files))

	mgr := &cluster.Manager{Client: o.Clients.Client}
	created, err := mgr.EnsureNamespace(ctx, ns)
	if err != nil {
		return err
	}
	if created {
		sess.Track(session.KindNamespace, "", ns)
	} else {
		sess.MarkMutated()
	}
	o.advance(ctx, sess, session.NamespaceReady)

	if plan.HasCredentials() {
		sess.Track(session.KindSecret, ns, plan.SecretName)
		err := mgr.CreateCredentialSecret(ctx, cluster.CredentialSecret{
			Namespace: ns,
			Name:      plan.SecretName,
			Registry:  plan.Ref.Registry,
			Username:  req.Username,
			Token:     req.Token,
			Labels:    spec.Labels,
		})
		if err != nil {
			return err
		}
	}
	o.advance(ctx, sess, session.CredentialsReady)

	transport := o.transport(plan.Strategy, mgr)
	target := buildctx.Target{
		Namespace: ns,
		Pod:       plan.Name,
		Container: job.ContainerName,
		ConfigMap: plan.ConfigMap,
		Labels:    spec.Labels,
		Context:   plan.Context,
	}
	if plan.Strategy == buildctx.StrategyConfigMap {
		sess.Track(session.KindConfigMap, ns, plan.ConfigMap)
	}
	staged, err := transport.Stage(ctx, target)
	if err != nil {
		return err
	}
	if staged.Done {
		spec.ConfigMap = staged.ConfigMap
		spec.Items = staged.Items
		res.ContextBytes = staged.Bytes
		o.advance(ctx, sess, session.ContextUploaded)
	}

	jobs := &job.Controller{
		Client: o.Clients.Client,
		Exec:   o.Clients.Exec,
		Delete: poll.Backoff{Interval: deleteInterval, Timeout: o.Config.DeleteTimeout, Sleep: o.Sleep},
		Ready:  poll.Backoff{Interval: readyInterval, Timeout: o.Config.ReadyTimeout, Sleep: o.Sleep},
	}
	found, err := jobs.DeleteStale(ctx, ns, plan.Name)
	if err != nil {
		return err
	}
	if found {
		res.StaleReplaced = true
		if o.Metrics != nil {
			o.Metrics.RecordStaleReplaced()
		}
		o.advance(ctx, sess, session.JobCreated)
	}

	sess.Track(session.KindPod, ns, plan.Name)
	if _, err := jobs.Create(ctx, spec); err != nil {
		return err
	}
	o.advance(ctx, sess, session.JobCreated)

	pod, err := jobs.WaitReady(ctx, ns, plan.Name, !spec.WaitsForTrigger())
	if err != nil {
		return err
	}
	o.advance(ctx, sess, session.JobReady)

	if !staged.Done {
		n, err := transport.Upload(ctx, target)
		if err != nil {
			return err
		}
		res.ContextBytes = n
		o.advance(ctx, sess, session.ContextUploaded)
	}

	if err := jobs.Trigger(ctx, spec); err != nil {
		return err
	}
	o.advance(ctx, sess, session.Triggered)
	o.Emitter.EmitStarted(pod, res.Image, spec.Platforms)

	o.advance(ctx, sess, session.Monitoring)
	mon := o.monitor()
	out, err := mon.Run(ctx, ns, plan.Name, o.echo(ctx))
	res.Lines = out.Lines
	if err != nil {
		switch failure.KindOf(err) {
		case failure.BuildFailed:
			o.Emitter.EmitFailed(pod, res.Image, out.Message)
		case failure.MonitorTimedOut:
			o.Emitter.EmitTimedOut(pod, res.Image, out.Message)
		}
		return err
	}

	if req.VerifyPush && spec.Push {
		digest, err := o.verifier()(ctx, res.Image, req.Username, req.Token, req.Insecure)
		if err != nil {
			o.Emitter.EmitFailed(pod, res.Image, err.Error())
			return failure.New(failure.BuildFailed, fmt.Errorf("build finished but %s is not in the registry: %w", res.Image, err))
		}
		res.Digest = digest
		logger.Info("verified push", "image", res.Image, "digest", digest)
	}

	o.advance(ctx, sess, session.Succeeded)
	o.Emitter.EmitSucceeded(pod, res.Image)
	logger.Info("build succeeded", "image", res.Image, "lines", out.Lines)
	return nil
}

// advance records a phase. The transitions Run makes are fixed, so a
// rejected one is a bug worth logging but not worth failing a build over.
func (o *Orchestrator) advance(ctx context.Context, sess *session.Session, p session.Phase) {
	if err := sess.Advance(p); err != nil {
		log.FromContext(ctx).Error(err, "phase transition")
		return
	}
	log.FromContext(ctx).V(1).Info("phase", "phase", p.String())
}

func outcomePhase(err error) session.Phase {
	if failure.Is(err, failure.MonitorTimedOut) {
		return session.TimedOut
	}
	return session.Failed
}

func (o *Orchestrator) transport(s buildctx.Strategy, mgr *cluster.Manager) buildctx.Transport {
	if s == buildctx.StrategyConfigMap {
		return &buildctx.ConfigMap{Creator: mgr}
	}
	return &buildctx.PodCopy{Exec: o.Clients.Exec}
}

func (o *Orchestrator) monitor() *monitor.Monitor {
	return &monitor.Monitor{
		Client:    o.Clients.Client,
		Logs:      o.Clients.Logs,
		Container: job.ContainerName,
		Interval:  o.Config.PollInterval,
		Deadline:  o.Config.BuildTimeout,
		TailLines: o.Config.TailLines,
		Sleep:     o.Sleep,
	}
}

func (o *Orchestrator) echo(ctx context.Context) func(monitor.Event) {
	logger := log.FromContext(ctx)
	return func(e monitor.Event) {
		switch e.Type {
		case monitor.LogLine:
			if o.Out != nil {
				fmt.Fprintln(o.Out, e.Text)
			}
		case monitor.Status:
			logger.Info("pod status", "status", e.Text)
		}
	}
}

func (o *Orchestrator) coordinator() *cleanup.Coordinator {
	c := cleanup.NewCoordinator(o.Clients.Client, o.Config.DeleteNamespace)
	if o.CleanupTimeout > 0 {
		c.Timeout = o.CleanupTimeout
	}
	return c
}

func (o *Orchestrator) verifier() VerifyFunc {
	if o.Verify != nil {
		return o.Verify
	}
	return registry.Verify
}

func (o *Orchestrator) lockDir() string {
	if o.LockDir != "" {
		return o.LockDir
	}
	return DefaultLockDir()
}

// captureTail reads the end of the build log for a failure that happened
// outside monitoring. It runs even when ctx was canceled.
func (o *Orchestrator) captureTail(ctx context.Context, plan *Plan) []string {
	if o.Clients.Logs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tailTimeout)
	defer cancel()

	opts := kube.LogOptions{TailLines: int64(o.Config.TailLines)}
	data, err := o.Clients.Logs.Logs(ctx, o.Config.Namespace, plan.Name, job.ContainerName, opts)
	if err != nil {
		log.FromContext(ctx).V(1).Info("reading build logs for failure report", "error", err.Error())
		return nil
	}
	return lastLines(string(data), o.Config.TailLines)
}

func lastLines(text string, n int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// report records metrics and sends the outcome webhook.
func (o *Orchestrator) report(ctx context.Context, res *Result, err error) {
	if o.Metrics != nil {
		o.Metrics.RecordOutcome(err, res.Duration)
		o.Metrics.RecordCleanupWarnings(len(res.Cleanup.Warnings))
		if res.ContextBytes > 0 {
			o.Metrics.RecordContextBytes(res.ContextBytes)
		}
	}

	evt := notify.Event{
		Type:      notify.TypeOf(err),
		RunID:     res.RunID,
		ImageRef:  res.Image,
		PodName:   res.Pod,
		Namespace: res.Namespace,
		Platforms: o.Config.Platforms,
		Digest:    res.Digest,
		Warnings:  res.Cleanup.Warnings,
		Duration:  res.Duration.Seconds(),
	}
	if err != nil {
		evt.Kind = string(failure.KindOf(err))
		evt.Error = err.Error()
	}
	if nerr := o.Notifier.Notify(context.WithoutCancel(ctx), evt); nerr != nil {
		log.FromContext(ctx).Info("webhook notification failed", "error", nerr.Error())
	}
}
