package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNoState)

	require.NoError(t, s.Save(ctx, []byte(`{"version":1}`)))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(got))

	require.NoError(t, s.Save(ctx, []byte(`{"version":1,"seq":9}`)))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1,"seq":9}`, string(got))
}

func TestFileStore(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.tqs"))
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	_, err := os.Stat(s.Path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file renamed away")
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.tqs")
	s := NewFileStore(path)
	require.NoError(t, s.Save(context.Background(), []byte("payload")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerLen] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))
	_, err = s.Load(context.Background())
	assert.ErrorContains(t, err, "checksum")

	require.NoError(t, os.WriteFile(path, []byte("XXXX\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00"), 0644))
	_, err = s.Load(context.Background())
	assert.ErrorContains(t, err, "magic")

	require.NoError(t, os.WriteFile(path, []byte("TQS"), 0644))
	_, err = s.Load(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TRANSFERQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TRANSFERQ_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := OpenRedis(ctx, url)
	require.NoError(t, err)
	s.key = "transferq:test:" + t.Name()
	t.Cleanup(func() {
		s.client.Del(ctx, s.key)
		s.Close()
	})
	exerciseStore(t, s)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("TRANSFERQ_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TRANSFERQ_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenMongo(ctx, uri)
	require.NoError(t, err)
	s.collection = s.collection.Database().Collection("checkpoints_test")
	t.Cleanup(func() {
		_ = s.collection.Drop(context.Background())
		s.Close()
	})
	exerciseStore(t, s)
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), "etcd", "x")
	assert.ErrorContains(t, err, "unknown store")

	s, err := Open(context.Background(), "file", filepath.Join(t.TempDir(), "s"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}

type memStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

func (m *memStore) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memStore) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNoState
	}
	return m.data, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type fakeState struct {
	mu       sync.Mutex
	data     string
	restored string
}

func (f *fakeState) set(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = s
}

func (f *fakeState) SerializeState() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.data), nil
}

func (f *fakeState) RestoreState(data []byte) error {
	if string(data) == "bad" {
		return errors.New("bad state")
	}
	f.restored = string(data)
	return nil
}

func TestCheckpointerSkipsUnchangedState(t *testing.T) {
	st := &memStore{}
	src := &fakeState{data: "a"}
	c := NewCheckpointer(st, src, time.Hour, nil)

	require.NoError(t, c.Save(context.Background()))
	require.NoError(t, c.Save(context.Background()))
	assert.Equal(t, 1, st.saveCount())

	src.set("b")
	require.NoError(t, c.Save(context.Background()))
	assert.Equal(t, 2, st.saveCount())

	st.err = errors.New("disk full")
	src.set("c")
	assert.Error(t, c.Save(context.Background()))
}

func TestCheckpointerRunSavesPeriodicallyAndOnShutdown(t *testing.T) {
	st := &memStore{}
	src := &fakeState{data: "first"}
	c := NewCheckpointer(st, src, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return st.saveCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	src.set("last")
	cancel()
	require.NoError(t, <-done)

	data, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", string(data))
}

func TestRestore(t *testing.T) {
	st := &memStore{}
	dst := &fakeState{}

	ok, err := Restore(context.Background(), st, dst)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Save(context.Background(), []byte("saved")))
	ok, err = Restore(context.Background(), st, dst)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "saved", dst.restored)

	require.NoError(t, st.Save(context.Background(), []byte("bad")))
	_, err = Restore(context.Background(), st, dst)
	assert.Error(t, err)
}
