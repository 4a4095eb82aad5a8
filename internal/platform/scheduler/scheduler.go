package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc представляет функцию фоновой задачи.
type JobFunc func(ctx context.Context) error

// JobID идентифицирует задачу независимо от способа планирования.
type JobID int

// OverlapPolicy определяет поведение при перекрытии запусков одной задачи.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельные запуски.
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает запуск, если предыдущий ещё выполняется.
	SkipIfRunning
	// DelayIfRunning ждёт завершения предыдущего запуска.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return "allow"
	}
}

// ErrNoSchedule возвращается, если у задачи не задан ни интервал, ни cron-выражение.
var ErrNoSchedule = errors.New("scheduler: job has neither interval nor cron spec")

// Job описывает фоновую задачу. Должно быть задано ровно одно из Every или Spec.
type Job struct {
	// Name используется в логах и хуках.
	Name string
	// Every - фиксированный интервал запуска.
	Every time.Duration
	// Spec - cron-выражение с секундами, например "*/30 * * * * *" или "@every 1m".
	Spec string
	// Timeout ограничивает один запуск.
	Timeout time.Duration
	// Overlap - политика перекрытий.
	Overlap OverlapPolicy
	// Run - тело задачи.
	Run JobFunc
}

// JobInfo - снимок состояния задачи.
type JobInfo struct {
	ID       JobID
	Name     string
	Runs     int64
	Failures int64
	Skipped  int64
	LastRun  time.Time
	LastErr  error
}

// Hooks содержит необязательные хуки для наблюдаемости.
type Hooks struct {
	OnJobStart  func(name string)
	OnJobFinish func(name string, duration time.Duration, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger *slog.Logger
	Hooks  Hooks
}

type entry struct {
	id      JobID
	job     Job
	running sync.Mutex
	cancel  context.CancelFunc
	cronID  cron.EntryID

	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler запускает периодические задачи обслуживания: тикеры и cron.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	hooks  Hooks
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[JobID]*entry
	nextID  JobID

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создаёт планировщик с background-контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создаёт планировщик, который останавливается вместе с parent.
func NewWithContext(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger{logger: logger}),
		),
		logger:  logger,
		hooks:   cfg.Hooks,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[JobID]*entry),
		nextID:  1,
	}
}

// Add регистрирует задачу. Тикеры начинают работать сразу, cron-задачи
// после Start.
func (s *Scheduler) Add(job Job) (JobID, error) {
	if job.Run == nil {
		return 0, fmt.Errorf("scheduler: job %q has no function", job.Name)
	}
	if (job.Every > 0) == (job.Spec != "") {
		return 0, fmt.Errorf("%w: %q", ErrNoSchedule, job.Name)
	}
	if !s.Running() {
		return 0, fmt.Errorf("scheduler: stopped, cannot add %q", job.Name)
	}

	s.mu.Lock()
	e := &entry{id: s.nextID, job: job}
	s.nextID++
	s.mu.Unlock()

	if job.Spec != "" {
		if err := s.addCron(e); err != nil {
			s.logger.Error("failed to add cron job", "name", job.Name, "spec", job.Spec, "error", err)
			return 0, err
		}
	} else {
		s.addTicker(e)
	}

	s.mu.Lock()
	s.entries[e.id] = e
	s.mu.Unlock()

	s.logger.Debug("job added", "id", e.id, "name", job.Name, "every", job.Every, "spec", job.Spec, "overlap", job.Overlap.String())
	return e.id, nil
}

func (s *Scheduler) addCron(e *entry) error {
	// Перекрытия обрабатывает run, цепочки cron не нужны.
	id, err := s.cron.AddFunc(e.job.Spec, func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("scheduler: parse %q: %w", e.job.Spec, err)
	}
	e.cronID = id
	return nil
}

func (s *Scheduler) addTicker(e *entry) {
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	ticker := time.NewTicker(e.job.Every)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// DelayIfRunning блокирует цикл, пропущенные тики теряются.
				s.run(e)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Remove удаляет задачу. Уже идущий запуск доводится до конца.
func (s *Scheduler) Remove(id JobID) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	if e.cancel != nil {
		e.cancel()
	}
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	s.logger.Debug("job removed", "id", id, "name", e.job.Name)
	return true
}

// Jobs возвращает снимок зарегистрированных задач, отсортированный по ID.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		info := JobInfo{
			ID:       e.id,
			Name:     e.job.Name,
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
			Skipped:  e.skipped.Load(),
			LastRun:  e.lastRun,
			LastErr:  e.lastErr,
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start запускает cron. Повторные вызовы игнорируются.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.cron.Start()
		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждёт завершения запусков. Если ctx
// истекает раньше, остановка всё равно доводится до конца, а вернётся ctx.Err().
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for running jobs")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for _, e := range s.entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("scheduler stopped")
}

// Running сообщает, что планировщик ещё не остановлен.
func (s *Scheduler) Running() bool {
	return s.ctx.Err() == nil
}

// run выполняет один запуск задачи с учётом политики перекрытий.
func (s *Scheduler) run(e *entry) {
	switch e.job.Overlap {
	case SkipIfRunning:
		if !e.running.TryLock() {
			e.skipped.Add(1)
			s.logger.Debug("job still running, skipped", "name", e.job.Name)
			return
		}
		defer e.running.Unlock()
	case DelayIfRunning:
		e.running.Lock()
		defer e.running.Unlock()
	}

	if s.ctx.Err() != nil {
		return
	}
	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(e.job.Name)
	}

	ctx := s.ctx
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRun(ctx, e.job.Run)
	elapsed := time.Since(start)

	e.runs.Add(1)
	e.mu.Lock()
	e.lastRun = start
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		e.failures.Add(1)
		s.logger.Error("job failed", "name", e.job.Name, "error", err, "duration", elapsed)
	}
	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(e.job.Name, elapsed, err)
	}
}

func safeRun(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// cronLogger адаптирует slog к интерфейсу логгера cron.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, kvAttrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := append([]slog.Attr{slog.Any("error", err)}, kvAttrs(keysAndValues)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func kvAttrs(kv []interface{}) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}
