package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boardline.yaml")
	data := []byte("log:\n  level: debug\n  json: true\nscript_dir: /tmp/parsers\nuser_agent: Boardline/2.0\nrefresh_rate: 5m\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := MustLoad(path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "/tmp/parsers", cfg.ScriptDir)
	assert.Equal(t, "Boardline/2.0", cfg.UserAgent)
	assert.Equal(t, 5*time.Minute, cfg.RefreshRate)
}

func TestMustLoadMissingFile(t *testing.T) {
	assert.Panics(t, func() { MustLoad("/nonexistent/boardline.yaml") })
}

func TestSettings(t *testing.T) {
	s := NewSettings()
	s.Add("perPage", "25")
	s.Add("perPage", "50") // first value wins
	s.SetOrAdd("ssl", "true")

	assert.Equal(t, 25, s.Int("perPage", 10))
	assert.True(t, s.Bool("ssl", false))
	assert.Equal(t, "fallback", s.Text("missing", "fallback"))
	assert.Equal(t, 7, s.Int("ssl", 7)) // unconvertible yields fallback

	c := s.Clone()
	c.SetOrAdd("perPage", "99")
	assert.Equal(t, 25, s.Int("perPage", 10))
}
