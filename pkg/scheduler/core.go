// Package scheduler turns job schedules into fired triggers. It decides only
// when a job runs; executing it is the dispatcher's business.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/models"
	"jobpipe/pkg/storage"
)

var (
	ErrNoSchedule     = errors.New("job has no schedule")
	ErrAlreadyPlanned = errors.New("job already scheduled")
)

// Dispatcher receives every fired trigger.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger *models.Trigger) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, trigger *models.Trigger) error

func (f DispatcherFunc) Dispatch(ctx context.Context, trigger *models.Trigger) error {
	return f(ctx, trigger)
}

// QueueDispatcher pushes triggers onto a queue read by remote executors.
type QueueDispatcher struct {
	Queue storage.TriggerQueue
}

func (q QueueDispatcher) Dispatch(ctx context.Context, trigger *models.Trigger) error {
	return q.Queue.Push(ctx, trigger)
}

// Entry describes one planned job.
type Entry struct {
	JobKey      string    `json:"job_key"`
	Spec        string    `json:"spec"`
	Next        time.Time `json:"next"`
	Prev        time.Time `json:"prev"`
	Fired       int       `json:"fired"`
	RepeatCount int       `json:"repeat_count"`
}

type plan struct {
	desc     models.JobDescriptor
	schedule models.Schedule
	spec     string
	id       cron.EntryID
	fired    int
}

// exhausted reports whether an interval schedule has used up its repeats.
// RepeatCount counts repeats after the first fire; zero or negative repeats
// forever.
func (p *plan) exhausted() bool {
	return p.schedule.Interval > 0 && p.schedule.RepeatCount > 0 && p.fired > p.schedule.RepeatCount
}

// Core plans job schedules on a robfig cron runner.
type Core struct {
	cron       *cron.Cron
	parser     cron.Parser
	dispatcher Dispatcher
	log        *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
	plans   map[string]*plan
}

// NewCore creates a scheduler dispatching to d. Cron specs use the five
// standard fields plus descriptors such as @hourly and @every 5m.
func NewCore(d Dispatcher, log *zap.Logger) *Core {
	log = logger.OrNop(log).Named("scheduler")
	return &Core{
		cron:       cron.New(cron.WithLogger(cronLogger{log})),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		dispatcher: d,
		log:        log,
		ctx:        context.Background(),
		plans:      make(map[string]*plan),
	}
}

// Schedule plans a job. Jobs flagged StartNow fire as soon as the core runs.
func (c *Core) Schedule(desc models.JobDescriptor, s models.Schedule) error {
	if s.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoSchedule, desc.Key())
	}

	var (
		sched cron.Schedule
		spec  string
		err   error
	)
	if s.Cron != "" {
		spec = s.Cron
		sched, err = c.parser.Parse(s.Cron)
		if err != nil {
			return fmt.Errorf("invalid cron schedule for job %s: %w", desc.Key(), err)
		}
	} else {
		spec = "@every " + s.Interval.String()
		sched = interval(s.Interval)
	}

	key := desc.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.plans[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyPlanned, key)
	}
	p := &plan{desc: desc, schedule: s, spec: spec}
	p.id = c.cron.Schedule(sched, cron.FuncJob(func() { c.fire(p) }))
	c.plans[key] = p

	c.log.Info("Job scheduled", zap.String(logger.FieldJobKey, key), zap.String("spec", spec))
	if s.StartNow && c.running {
		go c.fire(p)
	}
	return nil
}

// Unschedule removes a planned job.
func (c *Core) Unschedule(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[key]
	if !ok {
		return false
	}
	c.cron.Remove(p.id)
	delete(c.plans, key)
	return true
}

// Fire dispatches a manual trigger for desc right away.
func (c *Core) Fire(ctx context.Context, desc models.JobDescriptor) (*models.Trigger, error) {
	trigger := models.NewTrigger(desc, time.Now(), true)
	if err := c.dispatcher.Dispatch(ctx, trigger); err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", desc.Key(), err)
	}
	metrics.RecordDispatch("manual", 0)
	return trigger, nil
}

// Entries lists planned jobs ordered by key.
func (c *Core) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.plans))
	for key, p := range c.plans {
		e := c.cron.Entry(p.id)
		out = append(out, Entry{
			JobKey:      key,
			Spec:        p.spec,
			Next:        e.Next,
			Prev:        e.Prev,
			Fired:       p.fired,
			RepeatCount: p.schedule.RepeatCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobKey < out[j].JobKey })
	return out
}

// Run starts the cron runner and blocks until ctx is cancelled. Dispatches
// still in flight are awaited before it returns.
func (c *Core) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.running = true
	var startNow []*plan
	for _, p := range c.plans {
		if p.schedule.StartNow {
			startNow = append(startNow, p)
		}
	}
	c.mu.Unlock()

	c.cron.Start()
	c.log.Info("Scheduler started", zap.Int("jobs", len(c.cron.Entries())))
	for _, p := range startNow {
		go c.fire(p)
	}

	<-ctx.Done()
	c.log.Info("Scheduler shutting down")
	<-c.cron.Stop().Done()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func (c *Core) fire(p *plan) {
	c.mu.Lock()
	if c.plans[p.desc.Key()] != p {
		c.mu.Unlock()
		return
	}
	p.fired++
	if p.exhausted() {
		c.cron.Remove(p.id)
		delete(c.plans, p.desc.Key())
		c.mu.Unlock()
		c.log.Info("Repeat count exhausted, job unscheduled", zap.String(logger.FieldJobKey, p.desc.Key()))
		return
	}
	ctx := c.ctx
	scheduledAt := c.cron.Entry(p.id).Prev
	c.mu.Unlock()

	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	trigger := models.NewTrigger(p.desc, scheduledAt, false)
	if err := c.dispatcher.Dispatch(ctx, trigger); err != nil {
		c.log.Error("Failed to dispatch trigger",
			zap.String(logger.FieldJobKey, p.desc.Key()),
			zap.Error(err))
		return
	}
	metrics.RecordDispatch("schedule", trigger.FiredAt.Sub(scheduledAt).Seconds())
	c.log.Debug("Trigger dispatched",
		zap.String(logger.FieldJobKey, p.desc.Key()),
		zap.String("trigger_id", trigger.ID.String()))
}

// interval is a constant delay schedule without cron.Every's rounding to
// whole seconds.
type interval time.Duration

func (i interval) Next(t time.Time) time.Time { return t.Add(time.Duration(i)) }

// cronLogger routes robfig/cron logging into zap.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, zap.Any("details", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", kv))
}
