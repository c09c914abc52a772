// Package sequencer maintains the pool of sponsor-funded sequence accounts
// whose sequence numbers are consumed by relayed transactions. Accounts are
// derived deterministically from the sponsor seed and a persisted index,
// created on the network in batches, and leased out one at a time so that no
// two in-flight transactions share a sequence number.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"github.com/stellar/launchtube/soroban"
	"github.com/stellar/launchtube/store"
)

const (
	indexKey    = "index"
	poolPrefix  = "pool:"
	fieldPrefix = "field:"

	// MaxQueued bounds how many accounts may await creation at once. A full
	// batch is also the most a single creation transaction will carry.
	MaxQueued = 25

	// createBaseFee is the per-operation fee bid on a creation transaction,
	// sized so a full batch bids 100_000 stroops total.
	createBaseFee = 100_000 / MaxQueued

	createTimeout = 60 * time.Second

	defaultLeaseTimeout = 5 * time.Minute
	defaultCoolOff      = 5 * time.Second
	defaultJoinTimeout  = 30 * time.Second
)

var (
	// ErrPoolExhausted is returned by Acquire when every created account is
	// currently leased.
	ErrPoolExhausted = errors.New("no sequence accounts available")

	// ErrTooManyQueued is returned when queueing would exceed MaxQueued.
	ErrTooManyQueued = errors.New("too many sequence accounts queued for creation")

	// ErrCreateTimedOut is returned when a caller waited out an in-flight
	// batch without it finishing.
	ErrCreateTimedOut = errors.New("sequence account creation timed out")
)

// AccountGetter looks up an account and its current sequence number.
type AccountGetter interface {
	GetAccount(ctx context.Context, accountID string) (*txnbuild.SimpleAccount, error)
}

// Submitter submits a signed transaction and waits for it to apply.
type Submitter interface {
	SubmitTx(ctx context.Context, txXDR string) (*soroban.Outcome, error)
}

// Config are the parameters for opening a Pool.
type Config struct {
	NetworkPassphrase string
	// Sponsor funds the created accounts and is the root of derivation.
	Sponsor   *keypair.Full
	Store     store.Store
	Accounts  AccountGetter
	Submitter Submitter
	// LeaseTimeout is how long a lease may be held before SweepStale reclaims
	// it. Defaults to 5 minutes.
	LeaseTimeout time.Duration
	// CoolOff is the pause after a failed creation batch before another may
	// start. Defaults to 5 seconds.
	CoolOff time.Duration
	Logger  zerolog.Logger
}

// Pool tracks sequence accounts through three states: queued for creation,
// pooled and available, and leased to an in-flight transaction. Pooled and
// leased membership is persisted so a restart resumes where it left off.
type Pool struct {
	networkPassphrase string
	sponsor           *keypair.Full
	store             store.Store
	accounts          AccountGetter
	submitter         Submitter
	leaseTimeout      time.Duration
	coolOff           time.Duration
	logger            zerolog.Logger

	mu       sync.Mutex
	queue    []string
	creating bool
	done     chan struct{}
}

// NewPool opens a pool over the given store. Accounts persisted from a
// previous run remain pooled or leased as they were.
func NewPool(c Config) (*Pool, error) {
	if c.Sponsor == nil {
		return nil, errors.New("sponsor keypair is required")
	}
	if c.Store == nil {
		return nil, errors.New("store is required")
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.CoolOff == 0 {
		c.CoolOff = defaultCoolOff
	}
	return &Pool{
		networkPassphrase: c.NetworkPassphrase,
		sponsor:           c.Sponsor,
		store:             c.Store,
		accounts:          c.Accounts,
		submitter:         c.Submitter,
		leaseTimeout:      c.LeaseTimeout,
		coolOff:           c.CoolOff,
		logger:            c.Logger,
	}, nil
}

// Acquire leases the first available pooled account. The account is moved
// into the leased set and will not be handed out again until released.
func (p *Pool) Acquire() (*keypair.Full, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items, err := p.store.List(poolPrefix, 1)
	if err != nil {
		return nil, fmt.Errorf("listing pooled accounts: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrPoolExhausted
	}
	secret := strings.TrimPrefix(items[0].Key, poolPrefix)
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, fmt.Errorf("parsing pooled account secret: %w", err)
	}
	err = p.store.Put(fieldPrefix+secret, timestamp())
	if err != nil {
		return nil, fmt.Errorf("leasing account %s: %w", kp.Address(), err)
	}
	err = p.store.Delete(items[0].Key)
	if err != nil {
		return nil, fmt.Errorf("removing account %s from pool: %w", kp.Address(), err)
	}
	p.logger.Debug().Str("account", kp.Address()).Msg("leased sequence account")
	return kp, nil
}

// Release returns a leased account to the pool. It is idempotent and safe to
// defer alongside other failure handling: releasing an account that is not
// leased simply ensures it is pooled.
func (p *Pool) Release(kp *keypair.Full) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(kp.Seed())
}

func (p *Pool) releaseLocked(secret string) error {
	err := p.store.Delete(fieldPrefix + secret)
	if err != nil {
		return fmt.Errorf("clearing lease: %w", err)
	}
	err = p.store.Put(poolPrefix+secret, timestamp())
	if err != nil {
		return fmt.Errorf("returning account to pool: %w", err)
	}
	return nil
}

// ReturnByAddress releases the leased account with the given public address.
// It reports whether a matching lease was found.
func (p *Pool) ReturnByAddress(address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items, err := p.store.List(fieldPrefix, 0)
	if err != nil {
		return false, fmt.Errorf("listing leased accounts: %w", err)
	}
	for _, item := range items {
		secret := strings.TrimPrefix(item.Key, fieldPrefix)
		kp, err := keypair.ParseFull(secret)
		if err != nil {
			return false, fmt.Errorf("parsing leased account secret: %w", err)
		}
		if kp.Address() == address {
			return true, p.releaseLocked(secret)
		}
	}
	return false, nil
}

// Delete removes an account from the pool entirely, whatever its state. The
// account is not recreated; its index is never reused.
func (p *Pool) Delete(kp *keypair.Full) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	secret := kp.Seed()
	err := p.store.Delete(poolPrefix + secret)
	if err != nil {
		return fmt.Errorf("removing pooled account: %w", err)
	}
	err = p.store.Delete(fieldPrefix + secret)
	if err != nil {
		return fmt.Errorf("removing leased account: %w", err)
	}
	return nil
}

// DeleteByAddress removes the account with the given public address from
// whichever state it is in. It reports whether a matching account was found.
func (p *Pool) DeleteByAddress(address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prefix := range []string{poolPrefix, fieldPrefix} {
		items, err := p.store.List(prefix, 0)
		if err != nil {
			return false, fmt.Errorf("listing accounts: %w", err)
		}
		for _, item := range items {
			secret := strings.TrimPrefix(item.Key, prefix)
			kp, err := keypair.ParseFull(secret)
			if err != nil {
				return false, fmt.Errorf("parsing account secret: %w", err)
			}
			if kp.Address() == address {
				return true, p.store.Delete(item.Key)
			}
		}
	}
	return false, nil
}

// Snapshot describes the pool's state for the admin surface. Only public
// addresses are exposed.
type Snapshot struct {
	NextIndex uint32
	Creating  bool
	Queued    []string
	Pooled    []string
	Leased    []string
}

// Snapshot reports the pool state with secrets redacted to addresses.
func (p *Pool) Snapshot() (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &Snapshot{Creating: p.creating}
	index, err := p.indexLocked()
	if err != nil {
		return nil, err
	}
	snap.NextIndex = index
	for _, secret := range p.queue {
		kp, err := keypair.ParseFull(secret)
		if err != nil {
			return nil, fmt.Errorf("parsing queued account secret: %w", err)
		}
		snap.Queued = append(snap.Queued, kp.Address())
	}
	for prefix, out := range map[string]*[]string{poolPrefix: &snap.Pooled, fieldPrefix: &snap.Leased} {
		items, err := p.store.List(prefix, 0)
		if err != nil {
			return nil, fmt.Errorf("listing accounts: %w", err)
		}
		for _, item := range items {
			kp, err := keypair.ParseFull(strings.TrimPrefix(item.Key, prefix))
			if err != nil {
				return nil, fmt.Errorf("parsing account secret: %w", err)
			}
			*out = append(*out, kp.Address())
		}
	}
	return snap, nil
}

// Counts reports how many accounts are pooled and leased.
func (p *Pool) Counts() (pooled, leased int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items, err := p.store.List(poolPrefix, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("listing pooled accounts: %w", err)
	}
	pooled = len(items)
	items, err = p.store.List(fieldPrefix, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("listing leased accounts: %w", err)
	}
	leased = len(items)
	return pooled, leased, nil
}

// SweepStale returns to the pool every lease older than the lease timeout.
// Leases only go stale when a crash skipped the deferred release, so the
// sweep is a safety net rather than part of the normal path.
func (p *Pool) SweepStale() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items, err := p.store.List(fieldPrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("listing leased accounts: %w", err)
	}
	swept := 0
	for _, item := range items {
		leasedAt, err := time.Parse(time.RFC3339Nano, string(item.Value))
		if err != nil {
			// Unparseable lease records are reclaimed rather than stranded.
			p.logger.Warn().Str("key", item.Key).Msg("reclaiming lease with invalid timestamp")
		} else if time.Since(leasedAt) < p.leaseTimeout {
			continue
		}
		err = p.releaseLocked(strings.TrimPrefix(item.Key, fieldPrefix))
		if err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		p.logger.Info().Int("count", swept).Msg("reclaimed stale sequence account leases")
	}
	return swept, nil
}

// QueueAndCreate derives count new accounts, queues them, and drives creation
// of everything queued. If a batch is already in flight the call waits for it
// and then creates whatever remains queued. Creation failures leave the index
// advanced, so the affected accounts stay recoverable by derivation, but
// nothing enters the pool.
func (p *Pool) QueueAndCreate(ctx context.Context, count int) error {
	p.mu.Lock()
	for i := 0; i < count; i++ {
		err := p.enqueueLocked()
		if err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()
	return p.createQueued(ctx)
}

func (p *Pool) enqueueLocked() error {
	if len(p.queue) >= MaxQueued {
		return ErrTooManyQueued
	}
	index, err := p.indexLocked()
	if err != nil {
		return err
	}
	kp, err := DeriveSequenceAccount(p.sponsor, index)
	if err != nil {
		return err
	}
	// The index is persisted before the account is queued so a crash can
	// never reuse an index for a different account.
	err = p.store.Put(indexKey, []byte(strconv.FormatUint(uint64(index)+1, 10)))
	if err != nil {
		return fmt.Errorf("advancing account index: %w", err)
	}
	p.queue = append(p.queue, kp.Seed())
	return nil
}

func (p *Pool) indexLocked() (uint32, error) {
	v, ok, err := p.store.Get(indexKey)
	if err != nil {
		return 0, fmt.Errorf("reading account index: %w", err)
	}
	if !ok {
		return 0, nil
	}
	index, err := strconv.ParseUint(string(v), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing account index: %w", err)
	}
	return uint32(index), nil
}

func (p *Pool) createQueued(ctx context.Context) error {
	deadline := time.NewTimer(defaultJoinTimeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		if p.creating {
			done := p.done
			p.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return ErrCreateTimedOut
			}
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		batch := append([]string(nil), p.queue...)
		p.queue = p.queue[:0]
		p.creating = true
		p.done = make(chan struct{})
		p.mu.Unlock()

		err := p.createBatch(ctx, batch)
		if err != nil {
			// Cool off before the next batch so a failing sponsor account is
			// not hammered.
			select {
			case <-time.After(p.coolOff):
			case <-ctx.Done():
			}
		}

		p.mu.Lock()
		p.creating = false
		close(p.done)
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("creating sequence accounts: %w", err)
		}
	}
}

func (p *Pool) createBatch(ctx context.Context, secrets []string) error {
	source, err := p.accounts.GetAccount(ctx, p.sponsor.Address())
	if err != nil {
		return fmt.Errorf("getting sponsor account: %w", err)
	}
	ops := make([]txnbuild.Operation, 0, len(secrets))
	for _, secret := range secrets {
		kp, err := keypair.ParseFull(secret)
		if err != nil {
			return fmt.Errorf("parsing queued account secret: %w", err)
		}
		ops = append(ops, &txnbuild.CreateAccount{
			Destination: kp.Address(),
			Amount:      "1",
		})
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              createBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(createTimeout.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("building create accounts tx: %w", err)
	}
	tx, err = tx.Sign(p.networkPassphrase, p.sponsor)
	if err != nil {
		return fmt.Errorf("signing create accounts tx: %w", err)
	}
	txXDR, err := tx.Base64()
	if err != nil {
		return fmt.Errorf("encoding create accounts tx: %w", err)
	}
	_, err = p.submitter.SubmitTx(ctx, txXDR)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, secret := range secrets {
		err = p.store.Put(poolPrefix+secret, timestamp())
		if err != nil {
			return fmt.Errorf("pooling created account: %w", err)
		}
	}
	p.logger.Info().Int("count", len(secrets)).Msg("created sequence accounts")
	return nil
}

func timestamp() []byte {
	return []byte(time.Now().UTC().Format(time.RFC3339Nano))
}
