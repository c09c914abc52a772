package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	// Empty.
	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	// Put and get.
	require.NoError(t, s.Put("pool:a", []byte("1")))
	require.NoError(t, s.Put("pool:b", []byte("2")))
	require.NoError(t, s.Put("field:c", []byte("3")))
	v, ok, err := s.Get("pool:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	// Prefix scans are ordered and respect the limit.
	items, err := s.List("pool:", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pool:a", items[0].Key)
	assert.Equal(t, "pool:b", items[1].Key)
	items, err = s.List("pool:", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pool:a", items[0].Key)

	// Delete is idempotent.
	require.NoError(t, s.Delete("pool:a"))
	require.NoError(t, s.Delete("pool:a"))
	_, ok, err = s.Get("pool:a")
	require.NoError(t, err)
	assert.False(t, ok)

	// DeleteAll only touches the prefix.
	n, err := s.DeleteAll("pool:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, err = s.Get("field:c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestBadger(t *testing.T) {
	s, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestAlarms_scheduleAndFire(t *testing.T) {
	s := NewMemory()
	a := NewAlarms(s)

	fired := make(chan string, 1)
	require.NoError(t, a.Schedule("token:x", time.Now().Add(10*time.Millisecond), func(id string) {
		fired <- id
	}))

	// Persisted while pending.
	_, ok, err := s.Get("alarm:token:x")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case id := <-fired:
		assert.Equal(t, "token:x", id)
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}

	// Cleared once fired.
	_, ok, err = s.Get("alarm:token:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAlarms_cancel(t *testing.T) {
	s := NewMemory()
	a := NewAlarms(s)

	fired := make(chan string, 1)
	require.NoError(t, a.Schedule("token:x", time.Now().Add(20*time.Millisecond), func(id string) {
		fired <- id
	}))
	require.NoError(t, a.Cancel("token:x"))

	select {
	case <-fired:
		t.Fatal("canceled alarm fired")
	case <-time.After(100 * time.Millisecond):
	}
	_, ok, err := s.Get("alarm:token:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAlarms_restoreFiresOverdue(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put("alarm:token:x", []byte("1"))) // long past
	require.NoError(t, s.Put("alarm:other:y", []byte("1")))

	a := NewAlarms(s)
	fired := make(chan string, 2)
	require.NoError(t, a.Restore("token:", func(id string) {
		fired <- id
	}))

	select {
	case id := <-fired:
		assert.Equal(t, "token:x", id)
	case <-time.After(time.Second):
		t.Fatal("overdue alarm did not fire on restore")
	}
	select {
	case id := <-fired:
		t.Fatalf("alarm outside the prefix fired: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}
