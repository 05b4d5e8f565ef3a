package tokens

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	p, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, p.IsZero(), "fresh store should be empty")

	want := Pair{AccessToken: "acc.1", RefreshToken: "ref.1"}
	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want = Pair{AccessToken: "acc.2", RefreshToken: "ref.2"}
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	// Clearing twice is fine.
	require.NoError(t, s.Clear(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreOnChange(t *testing.T) {
	s := NewMemoryStore()
	var seen []Pair
	s.OnChange(func(p Pair) {
		// Reading inside the callback must not deadlock.
		cur, _ := s.Load(context.Background())
		assert.Equal(t, p, cur)
		seen = append(seen, p)
	})

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Pair{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, s.Clear(ctx))
	require.Len(t, seen, 2)
	assert.True(t, seen[1].IsZero())
}

func TestPairHelpers(t *testing.T) {
	assert.True(t, Pair{}.IsZero())
	assert.False(t, Pair{AccessToken: "a"}.IsZero())
	assert.False(t, Pair{AccessToken: "a"}.Complete())
	assert.True(t, Pair{AccessToken: "a", RefreshToken: "r"}.Complete())
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDBStore(t *testing.T) {
	exerciseStore(t, openTestDB(t))
}

func TestDBStoreEncrypted(t *testing.T) {
	db := openTestDB(t)
	key, err := DeriveEncryptionKey("test-secret")
	require.NoError(t, err)
	db.SetEncryptionKey(key)
	exerciseStore(t, db)

	ctx := context.Background()
	require.NoError(t, db.Save(ctx, Pair{AccessToken: "header.payload.sig", RefreshToken: "refresh-xyz"}))

	var raw string
	require.NoError(t, db.db.QueryRow(`SELECT access_token FROM session_tokens`).Scan(&raw))
	assert.NotContains(t, raw, "payload")

	stored, err := db.StoredAt(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), stored, 5*time.Second)
}

func TestDBStorePlaintextRowsSurviveEnablingEncryption(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	want := Pair{AccessToken: "header.payload.sig", RefreshToken: "opaque.refresh"}
	require.NoError(t, db.Save(ctx, want))

	key, err := DeriveEncryptionKey("later-secret")
	require.NoError(t, err)
	db.SetEncryptionKey(key)

	got, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDBStoreWrongKeyLoadsNothingUsable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	k1, _ := DeriveEncryptionKey("one")
	k2, _ := DeriveEncryptionKey("two")

	db.SetEncryptionKey(k1)
	require.NoError(t, db.Save(ctx, Pair{AccessToken: "a.b.c", RefreshToken: "r"}))

	db.SetEncryptionKey(k2)
	got, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.AccessToken)
	assert.Empty(t, got.RefreshToken)
}

func TestDBStoreProfilesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	a, err := OpenDB(path, "alice")
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenDB(path, "bob")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Save(ctx, Pair{AccessToken: "a", RefreshToken: "r"}))
	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func openTestFile(t *testing.T, path string) *FileStore {
	t.Helper()
	s, err := OpenFile(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, openTestFile(t, filepath.Join(t.TempDir(), "session", "tokens.json")))
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := openTestFile(t, path)
	require.NoError(t, s.Save(context.Background(), Pair{AccessToken: "a", RefreshToken: "r"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := openTestFile(t, path)
	p, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, p.IsZero())
}

func TestFileStoreReportsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	observer := openTestFile(t, path)
	writer := openTestFile(t, path)
	ctx := context.Background()

	require.NoError(t, writer.Save(ctx, Pair{AccessToken: "a", RefreshToken: "r"}))
	select {
	case <-observer.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not see the external write")
	}

	got, err := observer.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)

	require.NoError(t, writer.Clear(ctx))
	select {
	case <-observer.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not see the external clear")
	}
}

func TestFileStoreIgnoresOwnWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := openTestFile(t, path)

	require.NoError(t, s.Save(context.Background(), Pair{AccessToken: "a", RefreshToken: "r"}))
	select {
	case <-s.Changes():
		t.Fatal("own write reported as external change")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFileStoreOwnWritesRaceWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := openTestFile(t, path)
	ctx := context.Background()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				s.handleEvent()
			}
		}
	}()
	for i := range 50 {
		require.NoError(t, s.Save(ctx, Pair{AccessToken: fmt.Sprintf("a%d", i), RefreshToken: "r"}))
	}
	close(done)
	<-stopped

	select {
	case <-s.Changes():
		t.Fatal("own writes reported as external change")
	case <-time.After(300 * time.Millisecond):
	}

	s.mu.Lock()
	seen := s.lastSeen
	s.mu.Unlock()
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), string(seen))
}

func TestFileStoreClosed(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "tokens.json"), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Save(context.Background(), Pair{AccessToken: "a", RefreshToken: "r"}), ErrClosed)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	profile := "test-" + t.Name()
	observer, err := NewRedisStore(ctx, client, profile, testLogger())
	require.NoError(t, err)
	defer observer.Close()
	writer, err := NewRedisStore(ctx, client, profile, testLogger())
	require.NoError(t, err)
	defer writer.Close()

	exerciseStore(t, writer)

	require.NoError(t, writer.Save(ctx, Pair{AccessToken: "a", RefreshToken: "r"}))
	select {
	case <-observer.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not see the write")
	}
	require.NoError(t, writer.Clear(ctx))
}
