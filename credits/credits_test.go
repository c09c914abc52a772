package credits

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stellar/launchtube/store"
)

type recorderFake struct {
	mu      sync.Mutex
	records [][2]string
	seen    chan struct{}
}

func newRecorderFake() *recorderFake {
	return &recorderFake{seen: make(chan struct{}, 16)}
}

func (r *recorderFake) Record(tokenID, txHash string) {
	r.mu.Lock()
	r.records = append(r.records, [2]string{tokenID, txHash})
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func testLedger(t *testing.T, c Config) *Ledger {
	if c.Store == nil {
		c.Store = store.NewMemory()
	}
	if c.Alarms == nil {
		c.Alarms = store.NewAlarms(c.Store)
	}
	c.Logger = zerolog.Nop()
	l, err := NewLedger(c)
	require.NoError(t, err)
	return l
}

func TestLedger_initAndInfo(t *testing.T) {
	l := testLedger(t, Config{})

	info, err := l.Init("", time.Hour, 1000, true)
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)
	assert.Equal(t, int64(1000), info.Balance)
	assert.True(t, info.Activated)

	got, err := l.Info(info.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)
	assert.True(t, got.Activated)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt, time.Minute)

	_, err = l.Info("nope")
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestLedger_activationGate(t *testing.T) {
	l := testLedger(t, Config{})

	info, err := l.Init("tok", time.Hour, 1000, false)
	require.NoError(t, err)

	_, err = l.SpendBefore(info.ID, 100, 0)
	require.ErrorIs(t, err, ErrNotActivated)
	_, err = l.SpendAfter(info.ID, "abc123", 100, 0)
	require.ErrorIs(t, err, ErrNotActivated)

	require.NoError(t, l.Activate(info.ID))
	remaining, err := l.SpendBefore(info.ID, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(900), remaining)

	require.ErrorIs(t, l.Activate("nope"), ErrUnknownToken)
}

func TestLedger_unrestrictedSkipsGate(t *testing.T) {
	l := testLedger(t, Config{Unrestricted: true})

	_, err := l.Init("tok", time.Hour, 1000, false)
	require.NoError(t, err)
	remaining, err := l.SpendBefore("tok", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(900), remaining)
}

func TestLedger_spendBeforeRejectsExhausted(t *testing.T) {
	l := testLedger(t, Config{})

	_, err := l.Init("tok", time.Hour, 100, true)
	require.NoError(t, err)

	// Still spendable while the refund would leave something behind.
	remaining, err := l.SpendBefore("tok", 150, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), remaining)

	// Exhausted: even the refund would not bring it positive.
	_, err = l.SpendBefore("tok", 10, 50)
	require.ErrorIs(t, err, ErrNoCreditsLeft)

	// The rejected spend did not touch the balance.
	info, err := l.Info("tok")
	require.NoError(t, err)
	assert.Equal(t, int64(-50), info.Balance)
}

func TestLedger_spendAfterSettlesAndRecords(t *testing.T) {
	rec := newRecorderFake()
	l := testLedger(t, Config{Recorder: rec})

	_, err := l.Init("tok", time.Hour, 1000, true)
	require.NoError(t, err)

	// Bid hold of 300, network charged 120: settle refunds the hold and
	// debits the charge, so the final balance is initial minus the charge.
	_, err = l.SpendBefore("tok", 300, 0)
	require.NoError(t, err)
	remaining, err := l.SpendAfter("tok", "abc123", 120, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(880), remaining)

	select {
	case <-rec.seen:
	case <-time.After(time.Second):
		t.Fatal("spend was not recorded")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 1)
	assert.Equal(t, [2]string{"tok", "abc123"}, rec.records[0])
}

func TestLedger_pairingIndependentOfHoldSize(t *testing.T) {
	for _, hold := range []int64{1, 300, 5000} {
		l := testLedger(t, Config{})
		_, err := l.Init("tok", time.Hour, 1000, true)
		require.NoError(t, err)

		_, err = l.SpendBefore("tok", hold, 0)
		require.NoError(t, err)
		remaining, err := l.SpendAfter("tok", "abc123", 850, hold)
		require.NoError(t, err)
		assert.Equal(t, int64(150), remaining, "hold %d", hold)
	}
}

func TestLedger_spendAfterNeverRejectsOnBalance(t *testing.T) {
	l := testLedger(t, Config{})

	_, err := l.Init("tok", time.Hour, 10, true)
	require.NoError(t, err)

	// The network already charged this fee, so the balance goes negative
	// rather than the settle failing.
	remaining, err := l.SpendAfter("tok", "abc123", 500, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-490), remaining)

	_, err = l.SpendBefore("tok", 1, 0)
	require.ErrorIs(t, err, ErrNoCreditsLeft)
}

func TestLedger_concurrentSpendsSerialize(t *testing.T) {
	l := testLedger(t, Config{})

	_, err := l.Init("tok", time.Hour, 10_000, true)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := l.SpendBefore("tok", 100, 0)
			return err
		})
	}
	require.NoError(t, g.Wait())

	info, err := l.Info("tok")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), info.Balance)
}

// stallStore lets a test hold a Put to one key open mid-write, so another
// operation can race against a mutation that is still in flight.
type stallStore struct {
	store.Store
	key     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallStore) Put(key string, value []byte) error {
	if key == s.key {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.Put(key, value)
}

func TestLedger_expiryWaitsForInflightSpend(t *testing.T) {
	mem := store.NewMemory()
	stalled := &stallStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	l := testLedger(t, Config{Store: stalled, Alarms: store.NewAlarms(mem)})

	_, err := l.Init("tok", time.Hour, 1000, true)
	require.NoError(t, err)
	stalled.key = "token:tok:credits"

	spent := make(chan error, 1)
	go func() {
		_, err := l.SpendBefore("tok", 100, 0)
		spent <- err
	}()
	<-stalled.entered

	expired := make(chan struct{})
	go func() {
		l.expire("token:tok")
		close(expired)
	}()

	// The wipe serializes behind the spend still holding the token's lock.
	select {
	case <-expired:
		t.Fatal("token expired while a spend was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(stalled.release)
	require.NoError(t, <-spent)
	<-expired

	// The spend's write landed before the wipe, so nothing survives it.
	_, ok, err := mem.Get("token:tok:credits")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = l.Info("tok")
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestLedger_locksDoNotAccumulate(t *testing.T) {
	l := testLedger(t, Config{})

	for i := 0; i < 10; i++ {
		id := "tok" + strconv.Itoa(i)
		_, err := l.Init(id, time.Hour, 1000, true)
		require.NoError(t, err)
		_, err = l.SpendBefore(id, 100, 0)
		require.NoError(t, err)
		require.NoError(t, l.Delete(id))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks)
}

func TestLedger_deleteAndExpiry(t *testing.T) {
	s := store.NewMemory()
	l := testLedger(t, Config{Store: s, Alarms: store.NewAlarms(s)})

	_, err := l.Init("tok", 20*time.Millisecond, 1000, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := l.Info("tok")
		return err == ErrUnknownToken
	}, time.Second, 5*time.Millisecond)

	// Delete cancels the expiry alarm along with the token.
	_, err = l.Init("tok2", time.Hour, 1000, true)
	require.NoError(t, err)
	require.NoError(t, l.Delete("tok2"))
	_, err = l.Info("tok2")
	require.ErrorIs(t, err, ErrUnknownToken)
	_, ok, err := s.Get("alarm:token:tok2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_restoreExpiresOverdue(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Put("token:tok:credits", []byte("1000")))
	require.NoError(t, s.Put("token:tok:activated", []byte("true")))
	require.NoError(t, s.Put("alarm:token:tok", []byte("1"))) // long past

	l := testLedger(t, Config{Store: s, Alarms: store.NewAlarms(s)})
	require.NoError(t, l.RestoreAlarms())

	require.Eventually(t, func() bool {
		_, err := l.Info("tok")
		return err == ErrUnknownToken
	}, time.Second, 5*time.Millisecond)
}
