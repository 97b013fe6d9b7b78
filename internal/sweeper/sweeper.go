// Package sweeper runs the daily expiration pass. Each user is expired
// independently so one poisoned wallet never stalls the rest of the fleet,
// and the pass is idempotent: a rerun after a crash only sees batches
// still ACTIVE past due.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wanderstay/creditledger/internal/metrics"
	"github.com/wanderstay/creditledger/pkg/credits"
)

const (
	// DefaultRunHourUTC is when the daily pass starts.
	DefaultRunHourUTC = 3
	// DefaultPageSize bounds one user scan.
	DefaultPageSize = 500
	// DefaultUserRate paces per-user expirations to keep the sweep from
	// starving request-path writers of row locks.
	DefaultUserRate = rate.Limit(50)

	sweepUserOK     = "ok"
	sweepUserFailed = "failed"
)

// Expirer is the slice of the wallet service the sweep drives.
type Expirer interface {
	ExpireDue(ctx context.Context, userID credits.UserID, asOfUnixUTC int64) ([]credits.Transaction, error)
}

// UserScanner finds users holding expired ACTIVE batches.
type UserScanner interface {
	ListUsersWithExpired(ctx context.Context, asOfUnixUTC int64, limit int) ([]credits.UserID, error)
}

// Report summarizes one full pass.
type Report struct {
	UsersProcessed int
	UsersFailed    int
	BatchesExpired int
	CreditsExpired int64
	StartedUnixUTC int64
	Duration       time.Duration
}

// Sweeper scans for overdue batches and expires them user by user.
type Sweeper struct {
	scanner  UserScanner
	expirer  Expirer
	logger   *zap.Logger
	nowFn    func() int64
	limiter  *rate.Limiter
	hourUTC  int
	pageSize int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithRunHourUTC overrides the daily start hour.
func WithRunHourUTC(hour int) Option {
	return func(sweeper *Sweeper) {
		if hour >= 0 && hour < 24 {
			sweeper.hourUTC = hour
		}
	}
}

// WithPageSize overrides the user scan page size.
func WithPageSize(size int) Option {
	return func(sweeper *Sweeper) {
		if size > 0 {
			sweeper.pageSize = size
		}
	}
}

// WithUserRate overrides the per-user pacing limit.
func WithUserRate(limit rate.Limit) Option {
	return func(sweeper *Sweeper) {
		if limit > 0 {
			sweeper.limiter = rate.NewLimiter(limit, 1)
		}
	}
}

// WithNow overrides the clock.
func WithNow(nowFn func() int64) Option {
	return func(sweeper *Sweeper) {
		if nowFn != nil {
			sweeper.nowFn = nowFn
		}
	}
}

// New builds a Sweeper over a user scanner and an expirer.
func New(scanner UserScanner, expirer Expirer, logger *zap.Logger, options ...Option) *Sweeper {
	sweeper := &Sweeper{
		scanner:  scanner,
		expirer:  expirer,
		logger:   logger,
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
		limiter:  rate.NewLimiter(DefaultUserRate, 1),
		hourUTC:  DefaultRunHourUTC,
		pageSize: DefaultPageSize,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper
}

// Start blocks, running one pass at the configured UTC hour each day
// until ctx is cancelled.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	for {
		wait := sweeper.untilNextRun(time.Unix(sweeper.nowFn(), 0).UTC())
		sweeper.logger.Info("sweep scheduled", zap.Duration("in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		report := sweeper.Run(ctx)
		sweeper.logger.Info("sweep finished",
			zap.Int("users_processed", report.UsersProcessed),
			zap.Int("users_failed", report.UsersFailed),
			zap.Int("batches_expired", report.BatchesExpired),
			zap.Int64("credits_expired", report.CreditsExpired),
			zap.Duration("duration", report.Duration),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Run executes one full pass as of now. Per-user failures are logged and
// counted; they never abort the pass. Failed users surface again on the
// next pass since their batches stay ACTIVE.
func (sweeper *Sweeper) Run(ctx context.Context) Report {
	started := sweeper.nowFn()
	report := Report{StartedUnixUTC: started}
	seen := make(map[string]struct{})
	for {
		userIDs, err := sweeper.scanner.ListUsersWithExpired(ctx, started, sweeper.pageSize)
		if err != nil {
			sweeper.logger.Error("sweep user scan failed", zap.Error(err))
			break
		}
		progressed := false
		for _, userID := range userIDs {
			if _, done := seen[userID.String()]; done {
				continue
			}
			seen[userID.String()] = struct{}{}
			progressed = true
			if err := sweeper.limiter.Wait(ctx); err != nil {
				sweeper.finish(&report)
				return report
			}
			sweeper.expireUser(ctx, userID, started, &report)
		}
		// A page of only already-seen users means everything left over
		// failed this pass; stop instead of spinning on it.
		if !progressed || len(userIDs) < sweeper.pageSize {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	sweeper.finish(&report)
	return report
}

func (sweeper *Sweeper) expireUser(ctx context.Context, userID credits.UserID, asOfUnixUTC int64, report *Report) {
	rows, err := sweeper.expirer.ExpireDue(ctx, userID, asOfUnixUTC)
	if err != nil {
		report.UsersFailed++
		metrics.RecordSweepUser(sweepUserFailed)
		sweeper.logger.Warn("sweep user failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return
	}
	report.UsersProcessed++
	metrics.RecordSweepUser(sweepUserOK)
	report.BatchesExpired += len(rows)
	for _, row := range rows {
		report.CreditsExpired += -row.Amount
	}
}

func (sweeper *Sweeper) finish(report *Report) {
	report.Duration = time.Duration(sweeper.nowFn()-report.StartedUnixUTC) * time.Second
	metrics.RecordSweepExpired(report.CreditsExpired)
	metrics.SweepDuration.Observe(report.Duration.Seconds())
}

func (sweeper *Sweeper) untilNextRun(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), sweeper.hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
