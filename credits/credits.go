// Package credits tracks the prepaid balances transactions spend from. Each
// token is a prepaid allotment of stroops with an activation flag and an
// expiry; balances only ever move through the spend-then-refund flow so that
// the fee a token pays always matches what the network actually charged.
package credits

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellar/launchtube/store"
)

const tokenPrefix = "token:"

var (
	// ErrUnknownToken is returned for tokens that were never created or have
	// expired.
	ErrUnknownToken = errors.New("unknown token")

	// ErrNotActivated is returned when a token that was issued inactive is
	// used before activation.
	ErrNotActivated = errors.New("token is not activated")

	// ErrNoCreditsLeft is returned when a token's balance is exhausted.
	ErrNoCreditsLeft = errors.New("no credits left")
)

// Recorder persists a record of a token having paid for a transaction.
// Recording is best effort and must not block or fail a submission.
type Recorder interface {
	Record(tokenID, txHash string)
}

// Config are the parameters for opening a Ledger.
type Config struct {
	Store  store.Store
	Alarms *store.Alarms
	// Recorder, if set, is told about every successful spend.
	Recorder Recorder
	// Unrestricted disables the activation gate. Meant for development
	// networks only.
	Unrestricted bool
	Logger       zerolog.Logger
}

// Ledger manages token balances. All balance mutations for a token are
// serialized per token, so concurrent spends can never double-spend.
type Ledger struct {
	store        store.Store
	alarms       *store.Alarms
	recorder     Recorder
	unrestricted bool
	logger       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*tokenLock
}

// tokenLock serializes mutations for one token id. Entries are refcounted so
// the registry drops them as soon as the last holder releases.
type tokenLock struct {
	mu   sync.Mutex
	refs int
}

// NewLedger opens a ledger over the given store.
func NewLedger(c Config) (*Ledger, error) {
	if c.Store == nil {
		return nil, errors.New("store is required")
	}
	if c.Alarms == nil {
		return nil, errors.New("alarms are required")
	}
	return &Ledger{
		store:        c.Store,
		alarms:       c.Alarms,
		recorder:     c.Recorder,
		unrestricted: c.Unrestricted,
		logger:       c.Logger,
	}, nil
}

// TokenInfo is the state of one token.
type TokenInfo struct {
	ID        string
	Balance   int64
	Activated bool
	ExpiresAt time.Time
}

func creditsKey(id string) string   { return tokenPrefix + id + ":credits" }
func activatedKey(id string) string { return tokenPrefix + id + ":activated" }

func (l *Ledger) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*tokenLock{}
	}
	tl, ok := l.locks[id]
	if !ok {
		tl = &tokenLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()
	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Init mints a token with the given balance and time to live. A zero id
// generates one. Tokens issued inactive must be activated before they can
// spend.
func (l *Ledger) Init(id string, ttl time.Duration, balance int64, activated bool) (*TokenInfo, error) {
	if id == "" {
		id = uuid.NewString()
	}
	defer l.lock(id)()
	err := l.store.Put(creditsKey(id), []byte(strconv.FormatInt(balance, 10)))
	if err != nil {
		return nil, fmt.Errorf("storing token balance: %w", err)
	}
	err = l.store.Put(activatedKey(id), []byte(strconv.FormatBool(activated)))
	if err != nil {
		return nil, fmt.Errorf("storing token activation: %w", err)
	}
	expiresAt := time.Now().Add(ttl)
	err = l.alarms.Schedule(tokenPrefix+id, expiresAt, l.expire)
	if err != nil {
		return nil, fmt.Errorf("scheduling token expiry: %w", err)
	}
	l.logger.Info().Str("token", id).Int64("balance", balance).Bool("activated", activated).
		Time("expires_at", expiresAt).Msg("minted token")
	return &TokenInfo{ID: id, Balance: balance, Activated: activated, ExpiresAt: expiresAt}, nil
}

// Activate flips an inactive token active. Activating an active token is a
// no-op.
func (l *Ledger) Activate(id string) error {
	defer l.lock(id)()
	_, ok, err := l.store.Get(creditsKey(id))
	if err != nil {
		return fmt.Errorf("reading token balance: %w", err)
	}
	if !ok {
		return ErrUnknownToken
	}
	err = l.store.Put(activatedKey(id), []byte("true"))
	if err != nil {
		return fmt.Errorf("storing token activation: %w", err)
	}
	l.logger.Info().Str("token", id).Msg("activated token")
	return nil
}

// Info reports a token's balance, activation state, and expiry.
func (l *Ledger) Info(id string) (*TokenInfo, error) {
	defer l.lock(id)()
	balance, activated, err := l.read(id)
	if err != nil {
		return nil, err
	}
	info := &TokenInfo{ID: id, Balance: balance, Activated: activated}
	if at, ok, err := l.alarms.At(tokenPrefix + id); err == nil && ok {
		info.ExpiresAt = at
	}
	return info, nil
}

// Delete removes a token and its pending expiry.
func (l *Ledger) Delete(id string) error {
	defer l.lock(id)()
	err := l.alarms.Cancel(tokenPrefix + id)
	if err != nil {
		return fmt.Errorf("canceling token expiry: %w", err)
	}
	_, err = l.store.DeleteAll(tokenPrefix + id + ":")
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

// SpendBefore atomically converts a hold: refund is credited back and amount
// debited in one movement. It is called once per submission with no refund to
// take the flat anti-spam hold, and again to convert that hold into the
// fee-bump bid. A token whose balance would still be non-positive even after
// the refund is exhausted and the spend is rejected without touching the
// balance.
func (l *Ledger) SpendBefore(id string, amount, refund int64) (int64, error) {
	defer l.lock(id)()
	balance, activated, err := l.read(id)
	if err != nil {
		return 0, err
	}
	if !activated && !l.unrestricted {
		return 0, ErrNotActivated
	}
	if balance+refund <= 0 {
		return balance, ErrNoCreditsLeft
	}
	return l.write(id, balance+refund-amount)
}

// SpendAfter settles a spend once the network has charged a fee: the eager
// refund is credited back and the actual charge debited, in one movement.
// Unlike SpendBefore it never rejects on balance, because the fee has already
// been paid on chain; a balance can go negative here and block future
// spends instead. The spend is reported to the recorder keyed by the
// transaction hash.
func (l *Ledger) SpendAfter(id, txHash string, amount, refund int64) (int64, error) {
	defer l.lock(id)()
	balance, activated, err := l.read(id)
	if err != nil {
		return 0, err
	}
	if !activated && !l.unrestricted {
		return 0, ErrNotActivated
	}
	remaining, err := l.write(id, balance+refund-amount)
	if err != nil {
		return 0, err
	}
	if l.recorder != nil && txHash != "" {
		go l.recorder.Record(id, txHash)
	}
	return remaining, nil
}

// RestoreAlarms re-arms expiries persisted by a previous run. Overdue tokens
// expire immediately.
func (l *Ledger) RestoreAlarms() error {
	return l.alarms.Restore(tokenPrefix, l.expire)
}

func (l *Ledger) expire(alarmID string) {
	id := alarmID[len(tokenPrefix):]
	defer l.lock(id)()
	// An in-flight mutation holding the lock finishes first, so the wipe
	// below is final. The token may already be gone if Delete won the race.
	_, ok, err := l.store.Get(creditsKey(id))
	if err != nil {
		l.logger.Error().Err(err).Str("token", id).Msg("expiring token")
		return
	}
	if !ok {
		return
	}
	_, err = l.store.DeleteAll(tokenPrefix + id + ":")
	if err != nil {
		l.logger.Error().Err(err).Str("token", id).Msg("expiring token")
		return
	}
	l.logger.Info().Str("token", id).Msg("expired token")
}

func (l *Ledger) read(id string) (balance int64, activated bool, err error) {
	v, ok, err := l.store.Get(creditsKey(id))
	if err != nil {
		return 0, false, fmt.Errorf("reading token balance: %w", err)
	}
	if !ok {
		return 0, false, ErrUnknownToken
	}
	balance, err = strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing token balance: %w", err)
	}
	v, ok, err = l.store.Get(activatedKey(id))
	if err != nil {
		return 0, false, fmt.Errorf("reading token activation: %w", err)
	}
	activated = ok && string(v) == "true"
	return balance, activated, nil
}

func (l *Ledger) write(id string, balance int64) (int64, error) {
	err := l.store.Put(creditsKey(id), []byte(strconv.FormatInt(balance, 10)))
	if err != nil {
		return 0, fmt.Errorf("storing token balance: %w", err)
	}
	return balance, nil
}
