package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"content-publisher/internal/dispatch"
	"content-publisher/internal/models"
)

// Dispatcher claims queued rows of a channel and puts them on the queue.
type Dispatcher interface {
	ClaimAndDispatch(ctx context.Context, channelKey string, limit int) (dispatch.Result, error)
}

// ChannelLister supplies the channels to work on when none are configured.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
}

// ScheduleConfig holds the cron specs of the periodic jobs. Specs accept five
// standard fields or descriptors such as "@every 5m".
type ScheduleConfig struct {
	Channels   []string
	PollSpec   string
	PollBatch  int
	ReaperSpec string
	// DispatchSpec enables periodic claim-and-dispatch when set.
	DispatchSpec string
	ClaimLimit   int
	// Timeout bounds one run of any job.
	Timeout time.Duration
}

// Scheduler runs reconciliation, the stale-claim reaper and optional
// dispatch on cron schedules. A job still running when its next tick fires is
// skipped.
type Scheduler struct {
	cron       *cron.Cron
	poller     *Poller
	reaper     *Reaper
	dispatcher Dispatcher
	lister     ChannelLister
	cfg        ScheduleConfig
	ctx        context.Context
}

type periodicJob struct {
	name string
	spec string
	run  func(context.Context)
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates the specs and registers the jobs. dispatcher and
// lister may be nil.
func NewScheduler(cfg ScheduleConfig, p *Poller, r *Reaper, d Dispatcher, lister ChannelLister) (*Scheduler, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 50
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 10
	}
	logger := cronLogger{log: slog.With("component", "scheduler")}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		poller:     p,
		reaper:     r,
		dispatcher: d,
		lister:     lister,
		cfg:        cfg,
		ctx:        context.Background(),
	}

	jobs := []periodicJob{
		{"poll", cfg.PollSpec, func(ctx context.Context) { s.PollAll(ctx) }},
		{"reap", cfg.ReaperSpec, func(ctx context.Context) { _, _ = s.Reap(ctx) }},
	}
	if d != nil {
		jobs = append(jobs, periodicJob{"dispatch", cfg.DispatchSpec, func(ctx context.Context) { s.DispatchAll(ctx) }})
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		schedule, err := specParser.Parse(job.spec)
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", job.name, job.spec, err)
		}
		s.cron.Schedule(schedule, cron.FuncJob(func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
			defer cancel()
			job.run(ctx)
		}))
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is cancelled and running jobs
// have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	slog.Info("scheduler started", "poll", s.cfg.PollSpec, "reaper", s.cfg.ReaperSpec, "dispatch", s.cfg.DispatchSpec)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// PollAll reconciles every channel once. A failing channel does not stop the
// others.
func (s *Scheduler) PollAll(ctx context.Context) []Result {
	channels, err := s.channels(ctx)
	if err != nil {
		slog.Error("list channels for poll", "error", err)
		return nil
	}
	out := make([]Result, 0, len(channels))
	for _, ch := range channels {
		res, err := s.poller.PollScheduled(ctx, ch, s.cfg.PollBatch)
		if err != nil {
			slog.Error("poll scheduled uploads", "channel", ch, "error", err)
		}
		out = append(out, res)
	}
	return out
}

// Reap runs the stale-claim reaper once.
func (s *Scheduler) Reap(ctx context.Context) ([]string, error) {
	if s.reaper == nil {
		return nil, nil
	}
	ids, err := s.reaper.Reap(ctx)
	if err != nil {
		slog.Error("release stale claims", "error", err)
	}
	return ids, err
}

// DispatchAll claims and dispatches one batch per channel.
func (s *Scheduler) DispatchAll(ctx context.Context) map[string]dispatch.Result {
	if s.dispatcher == nil {
		return nil
	}
	channels, err := s.channels(ctx)
	if err != nil {
		slog.Error("list channels for dispatch", "error", err)
		return nil
	}
	out := make(map[string]dispatch.Result, len(channels))
	for _, ch := range channels {
		res, err := s.dispatcher.ClaimAndDispatch(ctx, ch, s.cfg.ClaimLimit)
		if err != nil {
			slog.Error("claim and dispatch", "channel", ch, "error", err)
		}
		out[ch] = res
	}
	return out
}

func (s *Scheduler) channels(ctx context.Context) ([]string, error) {
	if len(s.cfg.Channels) > 0 {
		return s.cfg.Channels, nil
	}
	if s.lister == nil {
		return nil, errors.New("no channels configured")
	}
	list, err := s.lister.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(list))
	for i, ch := range list {
		keys[i] = ch.Key
	}
	return keys, nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
