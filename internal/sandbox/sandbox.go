package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/nanobox/internal/cache"
	"github.com/michaelbrown/nanobox/internal/guest"
	"github.com/michaelbrown/nanobox/internal/guest/js"
	"github.com/michaelbrown/nanobox/internal/guest/process"
)

// Observer receives lifecycle events, typically to export metrics.
type Observer interface {
	RunStarted(kind Kind)
	RunFinished(kind Kind, state State, wall time.Duration)
	PolicyDenied(a Action)
	LoadFailed(kind LoadErrorKind)
}

type nopObserver struct{}

func (nopObserver) RunStarted(Kind)                        {}
func (nopObserver) RunFinished(Kind, State, time.Duration) {}
func (nopObserver) PolicyDenied(Action)                    {}
func (nopObserver) LoadFailed(LoadErrorKind)               {}

// Interceptor sees every policy decision for a run and may replace it.
type Interceptor func(runID string, a Action, d Decision) Decision

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, res WorkloadResult) error
}

// Sandbox is the public entry point. Run may be called concurrently; each
// call gets its own ExecutionContext and shares only the read-only config
// and policy.
type Sandbox struct {
	cfg       Config
	policy    *Policy
	loader    *Loader
	runtimes  map[Kind]guest.Executor
	cache     *cache.Cache
	env       []string
	logger    *zap.Logger
	observer  Observer
	recorder  Recorder
	intercept Interceptor
	slots     *semaphore.Weighted
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Sandbox) { s.observer = o }
}

// WithRecorder persists every result, including load failures.
func WithRecorder(r Recorder) Option {
	return func(s *Sandbox) { s.recorder = r }
}

// WithInterceptor lets an embedder observe or override policy decisions.
func WithInterceptor(fn Interceptor) Option {
	return func(s *Sandbox) { s.intercept = fn }
}

// WithRuntime replaces the executor for one guest kind.
func WithRuntime(kind Kind, e guest.Executor) Option {
	return func(s *Sandbox) { s.runtimes[kind] = e }
}

// New validates cfg and wires the default guest runtimes.
func New(cfg Config, opts ...Option) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	s := &Sandbox{
		cfg:      cfg,
		policy:   NewPolicy(cfg),
		cache:    c,
		env:      resolveEnv(cfg.Env),
		logger:   zap.NewNop(),
		observer: nopObserver{},
		runtimes: make(map[Kind]guest.Executor),
	}

	procCfg := process.Config{
		Python:          cfg.Runtimes.Python,
		CC:              cfg.Runtimes.CC,
		CXX:             cfg.Runtimes.CXX,
		Helper:          cfg.Runtimes.Helper,
		Namespaces:      cfg.Runtimes.Namespaces,
		Seccomp:         cfg.Runtimes.Seccomp,
		CgroupRoot:      cfg.Runtimes.CgroupRoot,
		AllowUnconfined: cfg.Runtimes.AllowUnconfined,
	}
	for _, opt := range opts {
		opt(s)
	}

	jsRuntime := js.New(js.Options{Logger: s.logger})
	procRuntime := process.New(procCfg, c, s.logger)
	defaults := map[Kind]guest.Executor{
		guest.KindJavaScript: jsRuntime,
		guest.KindPython:     procRuntime,
		guest.KindNative:     procRuntime,
		guest.KindC:          procRuntime,
		guest.KindCPP:        procRuntime,
	}
	for kind, e := range defaults {
		if _, ok := s.runtimes[kind]; !ok {
			s.runtimes[kind] = e
		}
	}

	s.loader = NewLoader(s.Kinds()...)
	if cfg.MaxConcurrent > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s, nil
}

// Default builds a sandbox from DefaultConfig.
func Default(opts ...Option) (*Sandbox, error) {
	return New(DefaultConfig(), opts...)
}

func resolveEnv(names []string) []string {
	var env []string
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// RunOption adjusts a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	id     string
	stream func(Chunk)
}

// WithRunID uses id instead of a generated one, so a caller can refer to
// the run (for cancellation) before it finishes.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.id = id }
}

// WithStream delivers guest output as it is written.
func WithStream(fn func(Chunk)) RunOption {
	return func(o *runOptions) { o.stream = fn }
}

// Run executes the workload at ref and always returns a result; loader
// errors, faults, timeouts and cancellation all become Success() == false.
// Cancelling ctx force-terminates the run the same way a timeout does.
func (s *Sandbox) Run(ctx context.Context, ref string, opts ...RunOption) WorkloadResult {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}

	w, err := s.loader.Resolve(ref)
	if err != nil {
		kind := NotFound
		var le *LoadError
		if errors.As(err, &le) {
			kind = le.Kind
		}
		s.observer.LoadFailed(kind)
		s.logger.Info("workload rejected", zap.String("run_id", o.id), zap.String("ref", ref), zap.Error(err))
		res := failed(ref, ErrorLoad, kind.String())
		res.RunID = o.id
		s.record(ctx, res)
		return res
	}

	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			res := failed(ref, ErrorCancelled, ErrCancelled.Error())
			res.RunID = o.id
			res.Kind = w.Kind
			s.logger.Info("run abandoned while queued", zap.String("run_id", o.id), zap.Error(err))
			s.record(ctx, res)
			return res
		}
		defer s.slots.Release(1)
	}

	ec, err := newExecutionContext(contextParams{
		id:       o.id,
		workload: w,
		policy:   s.policy,
		limits: guest.Limits{
			Memory:       s.cfg.MemoryLimit,
			CPUTime:      s.cfg.CPUTimeLimit,
			MaxOutput:    s.cfg.MaxOutput,
			MaxProcesses: s.cfg.MaxProcesses,
		},
		env:       s.env,
		logDir:    s.cfg.LogDir,
		tmpDir:    s.cfg.TmpDir,
		logger:    s.logger,
		observer:  s.observer,
		intercept: s.intercept,
		stream:    o.stream,
	})
	if err != nil {
		s.logger.Error("creating execution context", zap.String("run_id", o.id), zap.Error(err))
		res := failed(ref, ErrorFault, err.Error())
		res.RunID = o.id
		res.Kind = w.Kind
		s.record(ctx, res)
		return res
	}

	s.observer.RunStarted(w.Kind)
	s.logger.Info("run started",
		zap.String("run_id", o.id),
		zap.String("workload", w.Path),
		zap.String("kind", string(w.Kind)),
	)

	sup := NewSupervisor(s.runtimes[w.Kind], s.cfg.WallClockTimeout, s.logger)
	res := sup.Supervise(ctx, ec)

	s.observer.RunFinished(w.Kind, res.State, res.Usage.WallTime)
	s.logger.Info("run finished",
		zap.String("run_id", o.id),
		zap.String("state", res.State.String()),
		zap.Duration("wall_time", res.Usage.WallTime),
		zap.String("error", res.ErrorMessage()),
	)
	s.record(ctx, res)
	return res
}

func (s *Sandbox) record(ctx context.Context, res WorkloadResult) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
		s.logger.Warn("recording run", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// ClearCache removes every cached compiled artifact.
func (s *Sandbox) ClearCache() error {
	return s.cache.Clear()
}

// Cache exposes the artifact cache for status reporting.
func (s *Sandbox) Cache() *cache.Cache { return s.cache }

// Config returns the construction-time config.
func (s *Sandbox) Config() Config { return s.cfg }

// Policy returns the shared, immutable policy.
func (s *Sandbox) Policy() *Policy { return s.policy }

// Kinds lists the guest kinds this sandbox can run.
func (s *Sandbox) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.runtimes))
	for k := range s.runtimes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
