package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/bifrost-extension/internal/util"
)

func writeProfiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, SaveIndex(dir, []Profile{
		{ID: 1, Name: "home", Path: "home.json"},
		{ID: 2, Name: "work", Path: filepath.Join(dir, "abs", "work.json")},
		{ID: 3, Name: "missing", Path: "gone.json"},
	}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "home.json"), []byte(`{"type":"wireguard"}`), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "abs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abs", "work.json"), []byte(`{"type":"work"}`), 0600))
}

func TestDirSource_Profile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeProfiles(t, dir)
	src := NewDirSource(dir)

	p, err := src.Profile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "home", p.Name)
	text, err := p.ReadText(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"wireguard"}`, text)

	p, err = src.Profile(ctx, 2)
	require.NoError(t, err)
	text, err = p.ReadText(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"work"}`, text)
}

func TestDirSource_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeProfiles(t, dir)

	_, err := NewDirSource(dir).Profile(context.Background(), 42)
	assert.ErrorIs(t, err, util.ErrProfileNotFound)

	_, err = NewDirSource(t.TempDir()).Profile(context.Background(), 1)
	assert.ErrorIs(t, err, util.ErrProfileNotFound, "empty directory has no profiles")
}

func TestDirSource_ReadFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeProfiles(t, dir)

	p, err := NewDirSource(dir).Profile(ctx, 3)
	require.NoError(t, err)
	_, err = p.ReadText(ctx)
	assert.ErrorIs(t, err, util.ErrConfigRead)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDirSource_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("profiles: {"), 0600))

	_, err := NewDirSource(dir).Profile(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, util.ErrProfileNotFound)
}

func TestDirSource_List(t *testing.T) {
	dir := t.TempDir()
	writeProfiles(t, dir)

	profiles, err := NewDirSource(dir).List(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	assert.Equal(t, "work", profiles[1].Name)
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	src.Put(5, "test", "config-text")
	src.PutUnreadable(6, "broken", errors.New("disk on fire"))

	p, err := src.Profile(ctx, 5)
	require.NoError(t, err)
	text, err := p.ReadText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "config-text", text)

	p, err = src.Profile(ctx, 6)
	require.NoError(t, err)
	_, err = p.ReadText(ctx)
	assert.ErrorIs(t, err, util.ErrConfigRead)

	src.Delete(5)
	_, err = src.Profile(ctx, 5)
	assert.ErrorIs(t, err, util.ErrProfileNotFound)
}

func TestProfile_ReadTextWithoutReader(t *testing.T) {
	_, err := (&Profile{ID: 1}).ReadText(context.Background())
	assert.ErrorIs(t, err, util.ErrConfigRead)
}

func TestWatcher_FiresOnTargetWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "active.json")
	other := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0600))

	var calls atomic.Int32
	w, err := NewWatcher(dir, func() string { return target }, func() { calls.Add(1) }, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0600))
	require.NoError(t, os.WriteFile(target, []byte("v2"), 0600))
	require.NoError(t, os.WriteFile(target, []byte("v3"), 0600))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "burst of writes is coalesced")
}

func TestWatcher_NoTarget(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w, err := NewWatcher(dir, func() string { return "" }, func() { calls.Add(1) }, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("x"), 0600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")
}

func TestWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), func() string { return "" }, func() {}, 0)
	assert.Error(t, err)
}
