package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ExpiredApprovalReason is recorded as the rejection reason when a pending
// approval outlives its TTL.
const ExpiredApprovalReason = "approval request expired before a decision was made"

type approvalExpirer interface {
	ExpireOlderThan(maxAge time.Duration) []toolexecutor.ApprovalRequest
	Restore(req toolexecutor.ApprovalRequest) error
}

type runnerReaper interface {
	Reap(maxAge time.Duration) int
	Decide(ctx context.Context, requestID string, approved bool, reason string) (toolexecutor.Decision, error)
}

type limiterSweeper interface {
	Sweep(maxIdle time.Duration) int
}

// JanitorConfig configures periodic housekeeping.
type JanitorConfig struct {
	Schedule    string
	ApprovalTTL time.Duration
	RunnerTTL   time.Duration
	LimiterIdle time.Duration

	Gate     approvalExpirer
	Runners  runnerReaper
	Limiters limiterSweeper
	Logger   zerolog.Logger
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	ExpiredApprovals int
	ReapedRunners    int
	SweptLimiters    int
}

// Janitor expires stale approvals, forgets finished runners and drops idle
// rate limiters on a cron schedule.
type Janitor struct {
	cfg    JanitorConfig
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
}

// NewJanitor validates cfg and parses the schedule.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("approval gate is required")
	}
	if cfg.Runners == nil {
		return nil, fmt.Errorf("runner registry is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = 10 * time.Minute
	}

	j := &Janitor{
		cfg:    cfg,
		cron:   cron.New(),
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.cron.Start()
	j.logger.Info().Str("schedule", j.cfg.Schedule).Msg("Janitor started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.started = false
	j.mu.Unlock()

	<-j.cron.Stop().Done()
	j.logger.Info().Msg("Janitor stopped")
}

// Sweep runs one housekeeping pass. Expired approvals are rejected on their
// sessions so the model learns the call never ran.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	if j.cfg.ApprovalTTL > 0 {
		for _, req := range j.cfg.Gate.ExpireOlderThan(j.cfg.ApprovalTTL) {
			if err := j.rejectExpired(ctx, req); err != nil {
				j.logger.Warn().Err(err).
					Str("session_id", req.SessionID).
					Str("request_id", req.ID).
					Msg("Failed to reject expired approval")
				continue
			}
			res.ExpiredApprovals++
		}
	}

	if j.cfg.RunnerTTL > 0 {
		res.ReapedRunners = j.cfg.Runners.Reap(j.cfg.RunnerTTL)
	}

	if j.cfg.Limiters != nil {
		res.SweptLimiters = j.cfg.Limiters.Sweep(j.cfg.LimiterIdle)
	}

	if res != (SweepResult{}) {
		j.logger.Debug().
			Int("expired_approvals", res.ExpiredApprovals).
			Int("reaped_runners", res.ReapedRunners).
			Int("swept_limiters", res.SweptLimiters).
			Msg("Janitor sweep")
	}
	return res
}

// rejectExpired puts the request back long enough to decide it, which
// records the rejection on the session.
func (j *Janitor) rejectExpired(ctx context.Context, req toolexecutor.ApprovalRequest) error {
	if err := j.cfg.Gate.Restore(req); err != nil {
		return err
	}
	_, err := j.cfg.Runners.Decide(ctx, req.ID, false, ExpiredApprovalReason)
	return err
}
