package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/config"
	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
	"github.com/mohammad-safakhou/poiscout/internal/agent/search"
	"github.com/mohammad-safakhou/poiscout/internal/skills"
	"github.com/mohammad-safakhou/poiscout/internal/store"
	"github.com/mohammad-safakhou/poiscout/internal/telemetry"
	"github.com/mohammad-safakhou/poiscout/provider"
	"github.com/mohammad-safakhou/poiscout/tools/web_fetch"
	"github.com/mohammad-safakhou/poiscout/tools/web_search"
)

// Deps are the collaborators an App runs on. Store, Redis and Skills are
// optional.
type Deps struct {
	Router  *provider.Router
	Tool    core.SearchTool
	Store   *store.Store
	Redis   redis.Cmdable
	Skills  *skills.Library
	Metrics *telemetry.Metrics
}

// App owns the long lived pieces shared by every search.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	router  *provider.Router
	tool    core.SearchTool
	store   *store.Store
	steps   *store.StepLog
	rdb     redis.Cmdable
	skills  *skills.Library
	metrics *telemetry.Metrics
	closers []func() error
}

// SearchOptions describe one session.
type SearchOptions struct {
	SessionID     string
	Request       core.Request
	OnlineOpt     bool
	Rounds        int
	StepsPerRound int
	UseSkills     bool
	CreateSkills  bool
	Recorder      core.Recorder
}

// New builds the provider router, the search agent and whatever storage the
// configuration enables.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := provider.NewRouter(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	tool, err := NewSearchAgent(cfg.Search, router.Search, router.Rewriting, logger)
	if err != nil {
		return nil, err
	}

	deps := Deps{Router: router, Tool: tool, Metrics: telemetry.New()}
	var closers []func() error

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if st != nil {
		deps.Store = st
		closers = append(closers, st.Close)
	}
	rdb, err := OpenRedis(ctx, cfg)
	if err != nil {
		closeAll(closers, logger)
		return nil, err
	}
	if rdb != nil {
		deps.Redis = rdb
		closers = append(closers, rdb.Close)
	}
	lib, err := skills.Open(cfg.Skills.Path, cfg.Skills.MaxAdvice)
	if err != nil {
		closeAll(closers, logger)
		return nil, err
	}
	deps.Skills = lib
	closers = append(closers, lib.Close)

	app := NewWithDeps(cfg, logger, deps)
	app.closers = closers
	return app, nil
}

// NewWithDeps assembles an App from prebuilt collaborators.
func NewWithDeps(cfg *config.Config, logger *zap.Logger, deps Deps) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		router:  deps.Router,
		tool:    deps.Tool,
		store:   deps.Store,
		skills:  deps.Skills,
		rdb:     deps.Redis,
		metrics: deps.Metrics,
	}
	if deps.Redis != nil {
		a.steps = store.NewStepLog(deps.Redis, cfg.Storage.Redis.TTL)
	}
	return a
}

// NewSearchAgent builds the ReAct search tool from the search configuration.
// compressLLM condenses long pages when page compression is on.
func NewSearchAgent(cfg config.SearchConfig, llm, compressLLM core.LanguageModel, logger *zap.Logger) (*search.Agent, error) {
	key := cfg.SerperAPIKey
	if cfg.Provider == string(web_search.BraveProvider) {
		key = cfg.BraveAPIKey
	}
	searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.Provider), key)
	if err != nil {
		return nil, err
	}
	var fetcher web_fetch.WebFetcher
	if cfg.Fetch.Enabled {
		fetcher, err = web_fetch.NewWebFetcher(web_fetch.FetcherType(cfg.Fetch.Fetcher), cfg.Fetch.Timeout, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent)
		if err != nil {
			return nil, err
		}
	}
	var toolOpts []search.ToolOption
	if fetcher != nil && cfg.Fetch.Compress && compressLLM != nil {
		toolOpts = append(toolOpts, search.WithPageCompressor(search.NewPageCompressor(compressLLM, cfg.Fetch.CompressThreshold, logger)))
	}
	tools := []search.Tool{search.NewWebSearchTool(searcher, fetcher, cfg.ResultsPerQuery, cfg.Fetch.MaxChars, logger, toolOpts...)}
	return search.NewAgent(llm, tools, logger, search.WithMaxIterations(cfg.MaxIterations)), nil
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Store() *store.Store { return a.store }
func (a *App) StepLog() *store.StepLog { return a.steps }
func (a *App) Redis() redis.Cmdable { return a.rdb }
func (a *App) Skills() *skills.Library { return a.skills }
func (a *App) Metrics() *telemetry.Metrics { return a.metrics }
func (a *App) Router() *provider.Router { return a.router }
func (a *App) Logger() *zap.Logger { return a.logger }
func (a *App) Tool() core.SearchTool { return a.tool }
func (a *App) Persistent() bool { return a.store != nil }
func (a *App) SetTool(tool core.SearchTool) { a.tool = tool }

// Close releases storage connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func closeAll(closers []func() error, logger *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *App) optimizerConfig(opts SearchOptions) core.OptimizerConfig {
	oc := a.cfg.Optimizer
	c := core.OptimizerConfig{
		MaxRounds:           oc.MaxRounds,
		StepsPerRound:       oc.StepsPerRound,
		RefinementCap:       oc.RefinementCap,
		ParseAttempts:       oc.DiagnosisAttempts,
		PlanTemperature:     oc.PlanTemperature,
		ResampleTemperature: oc.ResampleTemperature,
		CacheEvaluations:    a.cfg.Consolidator.CacheEvaluations,
	}
	if opts.Rounds > 0 {
		c.MaxRounds = opts.Rounds
	}
	if opts.StepsPerRound > 0 {
		c.StepsPerRound = opts.StepsPerRound
	}
	if !opts.OnlineOpt {
		c.MaxRounds = 0
	}
	return c
}

func (a *App) optimizer(opts SearchOptions) *core.Optimizer {
	cc := a.cfg.Consolidator
	policy := core.NamePolicy{
		Folding:    core.NameFolding(cc.NameFolding),
		Preference: core.MergePreference(cc.MergePreference),
	}
	if policy.Validate() != nil {
		policy = core.DefaultNamePolicy()
	}
	var metrics core.Metrics
	if a.metrics != nil {
		metrics = a.metrics
	}

	planner := core.NewPlanBuilder(a.router.Planning, a.cfg.Optimizer.DiagnosisAttempts, a.logger)
	executor := core.NewStepExecutor(a.tool, a.logger,
		core.WithExecutorWorkers(a.cfg.Optimizer.ExecutionWorkers),
		core.WithExecutorAttempts(a.cfg.Search.StepAttempts),
		core.WithExecutorMetrics(metrics))
	consolidator := core.NewConsolidator(
		core.NewEvaluator(a.router.Evaluation, cc.EvaluationAttempts, a.logger), a.logger,
		core.WithNamePolicy(policy),
		core.WithEvaluationWorkers(cc.EvaluationWorkers),
		core.WithConsolidatorMetrics(metrics))

	recorders := store.MultiRecorder{opts.Recorder}
	if a.store != nil {
		recorders = append(recorders, a.store)
	}
	if a.steps != nil {
		recorders = append(recorders, a.steps)
	}
	return core.NewOptimizer(a.optimizerConfig(opts), planner, executor, consolidator,
		a.router.Diagnosis, a.router.Rewriting, a.logger,
		core.WithRecorder(recorders),
		core.WithOptimizerMetrics(metrics))
}

// Search runs one session to completion. The session is returned with
// whatever state it reached, also when err is not nil.
func (a *App) Search(ctx context.Context, opts SearchOptions) (*core.Session, error) {
	if a.router == nil || a.tool == nil {
		return nil, errors.New("app is missing its router or search tool")
	}
	req := opts.Request
	if req.Topic == "" {
		return nil, errors.New("search topic is required")
	}
	if opts.UseSkills && a.skills != nil && req.Advice == "" {
		advice, err := a.skills.Relevant(req.Topic, a.cfg.Skills.MaxAdvice)
		if err != nil {
			a.logger.Warn("skill lookup failed", zap.Error(err))
		} else {
			req.Advice = advice
		}
	}

	opt := a.optimizer(opts)
	sess := opt.NewSession(req)
	if opts.SessionID != "" {
		sess.ID = opts.SessionID
	}
	logger := a.logger.With(zap.String("session_id", sess.ID), zap.String("topic", req.Topic))

	if a.store != nil {
		if err := a.store.CreateSession(ctx, sess.ID, req); err != nil {
			return sess, fmt.Errorf("create session: %w", err)
		}
	}
	runErr := opt.RunSession(ctx, sess)
	if a.store != nil {
		status, msg := store.StatusDone, ""
		if runErr != nil {
			status, msg = store.StatusFailed, runErr.Error()
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := a.store.FinishSession(fctx, sess.ID, status, msg); err != nil {
			logger.Warn("finish session failed", zap.Error(err))
		}
		cancel()
	}
	if runErr != nil {
		return sess, runErr
	}

	if opts.CreateSkills {
		if err := a.learn(ctx, sess); err != nil {
			logger.Warn("skill distillation skipped", zap.Error(err))
		}
	}
	return sess, nil
}

func (a *App) learn(ctx context.Context, sess *core.Session) error {
	if a.skills == nil {
		return errors.New("skill library not open")
	}
	baseline, ok := sess.Baseline()
	if !ok {
		return errors.New("session has no baseline")
	}
	final, _ := sess.Latest()

	sc := a.cfg.Skills
	d := skills.NewDistiller(skills.DistillerConfig{
		ImprovementFactor: sc.ImprovementFactor,
		Samples:           sc.Samples,
		DedupThreshold:    sc.DedupThreshold,
		DiversityCount:    sc.DiversityCount,
	}, a.router.Planning, a.router.Embedding, a.logger)
	if !d.Worthwhile(baseline, final) {
		a.logger.Info("optimization gain below threshold, no skills written",
			zap.Int("baseline_records", baseline.TotalRecords),
			zap.Int("final_records", final.TotalRecords))
		return nil
	}
	digest, err := core.Digest(sess.Plan, sess.State)
	if err != nil {
		return err
	}
	lessons, err := d.Distill(ctx, sess.Request.Topic, baseline, final, digest)
	if err != nil {
		return err
	}
	if err := a.skills.Append(d.Entry(sess.Request.Topic, lessons)); err != nil {
		return err
	}
	a.logger.Info("skills written", zap.Int("lessons", len(lessons)))
	return nil
}
