package validator

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/login"
	"github.com/accfleet/fleetd/internal/manager"
	"github.com/accfleet/fleetd/internal/model"
)

// ErrSweepRunning: a sweep is already in flight; only one runs at a time.
var ErrSweepRunning = eris.New("sweep already running")

// Outcomes recorded per account check.
const (
	OutcomeValid        = "valid"
	OutcomeRepaired     = "repaired"
	OutcomeFailedRepair = "failed_repair"
	OutcomeSkipped      = "skipped"
)

// FleetStore is the slice of the account store the sweep needs.
type FleetStore interface {
	List() ([]model.Account, error)
	UpdateStatus(id string, status model.Status, lastErr string) error
	Touch(id string, checkedAt time.Time) error
}

// Prober checks and repairs live handles. Implemented by manager.Manager.
type Prober interface {
	Probe(ctx context.Context, accountID string) error
	ForceRefresh(ctx context.Context, accountID string) (client.Client, error)
}

// Config tunes the sweep cadence.
type Config struct {
	// Interval between sweep starts.
	Interval time.Duration
	// MinPause/MaxPause bound the random pause between two account
	// checks, so the fleet's traffic does not arrive in a burst.
	MinPause time.Duration
	MaxPause time.Duration
	// CheckFloor skips accounts checked more recently than this.
	CheckFloor time.Duration
	// ProblematicCooldown skips problematic accounts for this long
	// after their last check.
	ProblematicCooldown time.Duration
	// BackoffMin/BackoffMax bound the retry delay after a sweep fails
	// outright.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	// The sweep interval has a hard floor: sweeping more often than
	// every half hour buys nothing and draws attention.
	if c.Interval < 30*time.Minute {
		c.Interval = 30 * time.Minute
	}
	if c.MinPause == 0 {
		c.MinPause = 30 * time.Second
	}
	if c.MaxPause == 0 {
		c.MaxPause = 60 * time.Second
	}
	if c.CheckFloor == 0 {
		c.CheckFloor = 30 * time.Minute
	}
	if c.ProblematicCooldown == 0 {
		c.ProblematicCooldown = 6 * time.Hour
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 2 * time.Minute
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 10 * time.Minute
	}
	return c
}

// Service validates every account's session on a schedule and repairs
// dead ones with a fresh login.
type Service struct {
	cfg      Config
	accounts FleetStore
	handles  Prober
	state    *StateDB

	started atomic.Bool
	running atomic.Bool
}

// NewService wires a validation sweep service.
func NewService(cfg Config, accounts FleetStore, handles Prober, state *StateDB) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		accounts: accounts,
		handles:  handles,
		state:    state,
	}
}

// Start runs sweeps until the context is cancelled. Blocking; run it on
// its own goroutine. Only one loop runs per service; a second Start
// returns immediately.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer s.started.Store(false)

	backoff := time.Duration(0)
	for {
		summary, err := s.RunSweep(ctx)
		wait := s.cfg.Interval
		switch {
		case err != nil && !eris.Is(err, ErrSweepRunning):
			if backoff == 0 {
				backoff = s.cfg.BackoffMin
			} else {
				backoff *= 2
				if backoff > s.cfg.BackoffMax {
					backoff = s.cfg.BackoffMax
				}
			}
			wait = backoff
			log.Printf("WARN: sweep failed, retrying in %s: %v", wait, err)
		case err == nil:
			backoff = 0
			log.Printf("INFO: sweep done: checked=%d valid=%d invalid=%d repaired=%d failed=%d",
				summary.Checked, summary.Valid, summary.Invalid, summary.Repaired, summary.FailedRepair)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Running reports whether a sweep is currently in flight.
func (s *Service) Running() bool {
	return s.running.Load()
}

// RunSweep performs one pass over the fleet. At most one sweep runs at a
// time; a second call while one is in flight returns ErrSweepRunning.
func (s *Service) RunSweep(ctx context.Context) (*model.SweepSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepRunning
	}
	defer s.running.Store(false)

	job, err := s.state.CreateJob()
	if err != nil {
		return nil, eris.Wrap(err, "create sweep job")
	}

	accounts, err := s.accounts.List()
	if err != nil {
		s.finishJob(job, nil, err)
		return nil, eris.Wrap(err, "list accounts")
	}

	var summary model.SweepSummary
	for i, acct := range accounts {
		if ctx.Err() != nil {
			s.finishJob(job, &summary, ctx.Err())
			return &summary, ctx.Err()
		}

		outcome, detail := s.checkAccount(ctx, acct)
		s.tally(&summary, outcome)
		rec := model.CheckRecord{
			JobID:     job.ID,
			AccountID: acct.ID,
			CheckedAt: time.Now(),
			Outcome:   outcome,
			Detail:    detail,
		}
		if err := s.state.RecordCheck(rec); err != nil {
			log.Printf("WARN: record check %s: %v", acct.ID, err)
		}

		if outcome != OutcomeSkipped && i < len(accounts)-1 {
			if err := s.pause(ctx); err != nil {
				s.finishJob(job, &summary, err)
				return &summary, err
			}
		}
	}

	s.finishJob(job, &summary, nil)
	return &summary, nil
}

// checkAccount probes one account's session and repairs it if needed.
func (s *Service) checkAccount(ctx context.Context, acct model.Account) (string, string) {
	switch {
	case acct.Status == model.StatusDeactivated:
		return OutcomeSkipped, "deactivated"
	case acct.Status == model.StatusProblematic:
		if acct.LastCheck == nil || time.Since(*acct.LastCheck) < s.cfg.ProblematicCooldown {
			return OutcomeSkipped, "problematic cooldown"
		}
	case acct.LastCheck != nil && time.Since(*acct.LastCheck) < s.cfg.CheckFloor:
		return OutcomeSkipped, "recently checked"
	}

	probeErr := s.handles.Probe(ctx, acct.ID)
	if probeErr == nil {
		// Advance last_check so the next sweep's re-check floor sees
		// this account; repair paths get the same via the login run.
		if err := s.accounts.Touch(acct.ID, time.Now()); err != nil {
			log.Printf("WARN: touch %s: %v", acct.ID, err)
		}
		return OutcomeValid, ""
	}

	// Repair means a fresh login, which may demand a verification code;
	// without mailbox credentials that attempt can only dead-end, so the
	// account is left for an operator instead.
	if !acct.HasMailbox() && !eris.Is(probeErr, manager.ErrNoHandle) {
		detail := "session dead, no mailbox credentials for repair"
		if err := s.accounts.UpdateStatus(acct.ID, model.StatusLoginRequired, detail); err != nil {
			log.Printf("WARN: update status %s: %v", acct.ID, err)
		}
		if err := s.accounts.Touch(acct.ID, time.Now()); err != nil {
			log.Printf("WARN: touch %s: %v", acct.ID, err)
		}
		return OutcomeFailedRepair, detail
	}

	if h, err := s.handles.ForceRefresh(ctx, acct.ID); err == nil {
		_ = h // stays cached under the manager
		if eris.Is(probeErr, manager.ErrNoHandle) {
			return OutcomeValid, "session restored"
		}
		return OutcomeRepaired, ""
	} else if eris.Is(err, login.ErrLockBusy) {
		// Someone is already logging this account in; their outcome
		// supersedes ours.
		return OutcomeSkipped, "login in progress"
	} else {
		_, detail := login.Classify(err, false)
		return OutcomeFailedRepair, detail
	}
}

func (s *Service) tally(sum *model.SweepSummary, outcome string) {
	if outcome == OutcomeSkipped {
		return
	}
	sum.Checked++
	switch outcome {
	case OutcomeValid:
		sum.Valid++
	case OutcomeRepaired:
		sum.Invalid++
		sum.Repaired++
	case OutcomeFailedRepair:
		sum.Invalid++
		sum.FailedRepair++
	}
}

func (s *Service) finishJob(job *model.SweepJob, sum *model.SweepSummary, cause error) {
	now := time.Now()
	job.FinishedAt = &now
	if sum != nil {
		job.Checked = sum.Checked
		job.Valid = sum.Valid
		job.Invalid = sum.Invalid
		job.Repaired = sum.Repaired
		job.FailedRepair = sum.FailedRepair
	}
	if cause != nil {
		job.Error = cause.Error()
	}
	if err := s.state.UpdateJob(job); err != nil {
		log.Printf("WARN: update sweep job %s: %v", job.ID, err)
	}
}

func (s *Service) pause(ctx context.Context) error {
	d := s.cfg.MinPause
	if spread := s.cfg.MaxPause - s.cfg.MinPause; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
