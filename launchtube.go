// Package launchtube is a transaction-submission relay: clients holding a
// prepaid token submit a contract invocation, and the relay funds it,
// validates its authorization, wraps it in a sponsor-paid fee bump, submits
// it, and settles the token's balance against the fee the network charged.
package launchtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellar/launchtube/config"
	"github.com/stellar/launchtube/credits"
	"github.com/stellar/launchtube/launch"
	"github.com/stellar/launchtube/metrics"
	"github.com/stellar/launchtube/monitor"
	"github.com/stellar/launchtube/retry"
	"github.com/stellar/launchtube/sequencer"
	"github.com/stellar/launchtube/soroban"
	"github.com/stellar/launchtube/store"
)

// Verifier resolves a caller-presented access token to the token id its
// credits are held under. Token issuance and verification live outside the
// relay.
type Verifier interface {
	Verify(token string) (tokenID string, err error)
}

type options struct {
	store    store.Store
	verifier Verifier
	recorder credits.Recorder
	notifier monitor.Notifier
	logger   *zerolog.Logger
}

// Option customizes Open.
type Option func(*options)

// WithStore replaces the embedded on-disk store, typically with an in-memory
// one for tests.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithVerifier sets the access-token verifier. Without one, callers must
// present token ids directly.
func WithVerifier(v Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithRecorder overrides the transaction recorder configured via MetricsDSN.
func WithRecorder(r credits.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithNotifier sets the watchdog's alert delivery.
func WithNotifier(n monitor.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLogger sets the logger for all components.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// Relay is an open launchtube instance.
type Relay struct {
	logger   zerolog.Logger
	store    store.Store
	gateway  *soroban.Client
	pool     *sequencer.Pool
	ledger   *credits.Ledger
	launcher *launch.Launcher
	watchdog *monitor.Watchdog
	recorder *metrics.DBRecorder
	verifier Verifier

	sweepInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}
}

// Open wires a relay together from its configuration.
func Open(cfg *config.Config, opts ...Option) (*Relay, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}

	sponsor, err := cfg.Sponsor()
	if err != nil {
		return nil, err
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	s := o.store
	if s == nil {
		s, err = store.OpenBadger(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}
	alarms := store.NewAlarms(s)

	gateway := &soroban.Client{
		Endpoints: endpoints,
		Retrier:   retry.Retrier{Initial: cfg.PollInitial, Budget: cfg.PollBudget},
		Logger:    logger.With().Str("component", "soroban").Logger(),
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	r := &Relay{
		logger:        logger,
		store:         s,
		gateway:       gateway,
		verifier:      o.verifier,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	recorder := o.recorder
	if recorder == nil && cfg.MetricsDSN != "" {
		r.recorder, err = metrics.OpenRecorder(cfg.MetricsDSN, logger)
		if err != nil {
			return nil, err
		}
		recorder = r.recorder
	}

	r.ledger, err = credits.NewLedger(credits.Config{
		Store:        s,
		Alarms:       alarms,
		Recorder:     recorder,
		Unrestricted: cfg.DevMode,
		Logger:       logger.With().Str("component", "credits").Logger(),
	})
	if err != nil {
		return nil, err
	}
	err = r.ledger.RestoreAlarms()
	if err != nil {
		return nil, fmt.Errorf("restoring token expiries: %w", err)
	}

	r.pool, err = sequencer.NewPool(sequencer.Config{
		NetworkPassphrase: cfg.NetworkPassphrase,
		Sponsor:           sponsor,
		Store:             s,
		Accounts:          gateway,
		Submitter:         gateway,
		LeaseTimeout:      cfg.LeaseTimeout,
		Logger:            logger.With().Str("component", "sequencer").Logger(),
	})
	if err != nil {
		return nil, err
	}

	r.launcher, err = launch.NewLauncher(launch.Config{
		NetworkPassphrase: cfg.NetworkPassphrase,
		Sponsor:           sponsor,
		Sequencer:         r.pool,
		Credits:           r.ledger,
		Gateway:           gateway,
		Fees:              launch.FeePolicy{FloorContracts: cfg.FeeFloorContracts},
		EagerCredits:      cfg.EagerCredits,
		Logger:            logger.With().Str("component", "launch").Logger(),
	})
	if err != nil {
		return nil, err
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = logNotifier{logger}
	}
	r.watchdog, err = monitor.NewWatchdog(monitor.Config{
		Store:    s,
		Alarms:   alarms,
		Notifier: notifier,
		Logger:   logger.With().Str("component", "monitor").Logger(),
	})
	if err != nil {
		return nil, err
	}

	go r.sweep()
	return r, nil
}

// Launch relays one submission for the holder of the given access token.
func (r *Relay) Launch(ctx context.Context, token string, req launch.Request) (*launch.Result, error) {
	tokenID := token
	if r.verifier != nil {
		var err error
		tokenID, err = r.verifier.Verify(token)
		if err != nil {
			return nil, err
		}
	}
	req.TokenID = tokenID
	result, err := r.launcher.Launch(ctx, req)
	if err != nil {
		// Malformed requests are the caller's noise, not a sign the relay or
		// the network is unhealthy; only post-validation failures count
		// toward the watchdog.
		var vErr *launch.ValidationError
		if !errors.As(err, &vErr) {
			r.watchdog.BumpErrorCount()
		}
		return nil, redact(err)
	}
	return result, nil
}

// redact strips internal fields from network errors before they cross the
// external boundary.
func redact(err error) error {
	var sErr *soroban.Error
	if !errors.As(err, &sErr) {
		return err
	}
	var subErr *launch.SubmissionError
	if errors.As(err, &subErr) {
		return &launch.SubmissionError{
			Cause:            sErr.Redacted(),
			CreditsRemaining: subErr.CreditsRemaining,
		}
	}
	return sErr.Redacted()
}

// Pool admin surface.

func (r *Relay) PoolSnapshot() (*sequencer.Snapshot, error) {
	return r.pool.Snapshot()
}

func (r *Relay) QueueAccountCreation(ctx context.Context, count int) error {
	return r.pool.QueueAndCreate(ctx, count)
}

func (r *Relay) DeleteAccount(address string) (bool, error) {
	return r.pool.DeleteByAddress(address)
}

func (r *Relay) ReturnAccount(address string) (bool, error) {
	return r.pool.ReturnByAddress(address)
}

// Token admin surface.

func (r *Relay) InitToken(id string, ttl time.Duration, balance int64, activated bool) (*credits.TokenInfo, error) {
	return r.ledger.Init(id, ttl, balance, activated)
}

func (r *Relay) ActivateToken(id string) error {
	return r.ledger.Activate(id)
}

func (r *Relay) TokenInfo(id string) (*credits.TokenInfo, error) {
	return r.ledger.Info(id)
}

func (r *Relay) DeleteToken(id string) error {
	return r.ledger.Delete(id)
}

// sweep periodically reclaims stale leases and refreshes the pool gauges.
func (r *Relay) sweep() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, err := r.pool.SweepStale()
			if err != nil {
				r.logger.Error().Err(err).Msg("sweeping stale leases")
			}
			pooled, leased, err := r.pool.Counts()
			if err == nil {
				metrics.SequenceAccountsPooled.Set(float64(pooled))
				metrics.SequenceAccountsLeased.Set(float64(leased))
			}
		case <-r.done:
			return
		}
	}
}

// Close stops the background sweep and releases the store and recorder.
func (r *Relay) Close() error {
	close(r.done)
	<-r.stopped
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			return err
		}
	}
	if closer, ok := r.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// logNotifier is the default watchdog delivery: it only logs. Real alerting
// is wired in with WithNotifier.
type logNotifier struct {
	logger zerolog.Logger
}

func (n logNotifier) Notify(count int, window time.Duration) error {
	n.logger.Error().Int("errors", count).Dur("window", window).
		Msg("high error count detected")
	return nil
}
