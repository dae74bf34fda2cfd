package settings

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coffersTech/crashcat/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.toml"))
	require.NoError(t, s.Load())

	c := s.Current()
	assert.Equal(t, int64(32768), c.SplitSize)
	assert.Equal(t, time.Duration(-1), c.MaxAge())
	assert.True(t, c.UsesDefaultRules())
	assert.Equal(t, filter.DefaultRules, c.RuleText())

	assert.True(t, c.Includes("com.example.app"))
	assert.True(t, c.Includes("com.example.app:remote"))
	assert.False(t, c.Includes("com.android.phone"))
	assert.False(t, c.Includes("/system/bin/surfaceflinger"))
	assert.False(t, c.Includes("system_server"))
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "settings.toml")
	s := NewStore(path)

	rules := "[[snatch]]\nlevel = \"E\"\n"
	require.NoError(t, s.Update(func(st *Settings) {
		st.Filter = "^myapp$"
		st.PurgeDurationMs = 3 * 24 * 3600 * 1000
		st.PurgeFilesize = 1 << 20
		st.SplitSize = -1
		st.LogFilter = rules
	}))
	assert.Equal(t, 72*time.Hour, s.Current().MaxAge())
	assert.NoFileExists(t, path+".tmp")

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	got := reloaded.Get()
	assert.Equal(t, "^myapp$", got.Filter)
	assert.Equal(t, int64(1<<20), got.PurgeFilesize)
	assert.Equal(t, int64(-1), got.SplitSize)
	assert.Equal(t, rules, got.LogFilter)
	assert.Equal(t, rules, reloaded.Current().RuleText())
}

func TestMaxAgeClamps(t *testing.T) {
	for _, tc := range []struct {
		ms   int64
		want time.Duration
	}{
		{-1, -1},
		{0, 0},
		{1500, 1500 * time.Millisecond},
		{int64(math.MaxInt64 / time.Millisecond), time.Duration(math.MaxInt64/time.Millisecond) * time.Millisecond},
		{10_000_000_000_000, math.MaxInt64},
		{math.MaxInt64, math.MaxInt64},
	} {
		c, err := Compile(Settings{Filter: DefaultFilter, PurgeDurationMs: tc.ms})
		require.NoError(t, err)
		assert.Equal(t, tc.want, c.MaxAge(), "purge_duration_ms=%d", tc.ms)
	}
}

func TestInvalidUpdateKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	s := NewStore(path)
	before := s.Current()

	err := s.Update(func(st *Settings) { st.Filter = "([" })
	var ce *filter.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, SourceFilter, ce.Source)

	err = s.Update(func(st *Settings) { st.LogFilter = "[[snatch]]\nmessage = \"(\"\n" })
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, SourceLogFilter, ce.Source)

	assert.Same(t, before, s.Current())
	assert.Equal(t, DefaultFilter, s.Get().Filter)
	assert.NoFileExists(t, path)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("split_size = 100\n"), 0600))

	s := NewStore(path)
	require.NoError(t, s.Load())
	assert.Equal(t, int64(100), s.Get().SplitSize)
	assert.Equal(t, DefaultFilter, s.Get().Filter)
	assert.Equal(t, int64(-1), s.Get().PurgeFilesize)

	require.NoError(t, os.WriteFile(path, []byte("filter = \"(\"\n"), 0600))
	assert.Error(t, s.Load())
	assert.Equal(t, int64(100), s.Get().SplitSize)
}

func TestToken(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.toml"))
	assert.False(t, s.HasToken())
	assert.True(t, s.VerifyToken("anything"))

	require.NoError(t, s.SetToken("s3cret"))
	assert.True(t, s.HasToken())
	assert.True(t, s.VerifyToken("s3cret"))
	assert.False(t, s.VerifyToken("wrong"))

	require.NoError(t, s.SetToken(""))
	assert.False(t, s.HasToken())
}
