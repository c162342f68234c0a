package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/conf_bridge/pkg/sla"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confbridged.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Daemon.LogLevel)
	assert.Equal(t, "127.0.0.1:5038", cfg.Daemon.ManagerListen)
	assert.Equal(t, 5*time.Minute, cfg.Conference.ExtendIncrement.Duration)
	assert.False(t, cfg.SIP.Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.logLevel())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[daemon]
log_level = "debug"
recording_dir = "/var/spool/confbridge"
metrics_listen = ""

[conference]
max_conferences = 50
default_max_users = 10
extend_increment = "10m"

[sip]
enabled = true
domain = "pbx.example.org"
rtp_port_min = 40000
rtp_port_max = 41000

[[sla.trunk]]
name = "line1"
device = "SIP/line1"
ring_timeout = "30s"
hold_access = "private"

[[sla.station]]
name = "reception"
device = "SIP/reception"
ring_delay = "2s"

[[sla.station.trunk]]
name = "line1"
ring_timeout = "15s"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.logLevel())
	assert.Equal(t, "/var/spool/confbridge", cfg.Daemon.RecordingDir)
	assert.Empty(t, cfg.Daemon.MetricsListen)
	assert.Equal(t, 50, cfg.Conference.MaxConferences)
	assert.Equal(t, 10*time.Minute, cfg.Conference.ExtendIncrement.Duration)
	assert.True(t, cfg.SIP.Enabled)
	assert.Equal(t, 40000, cfg.SIP.RTPPortMin)

	slaCfg, err := cfg.slaControllerConfig()
	require.NoError(t, err)
	require.Len(t, slaCfg.Trunks, 1)
	assert.Equal(t, 30*time.Second, slaCfg.Trunks[0].RingTimeout)
	assert.Equal(t, sla.HoldAccessPrivate, slaCfg.Trunks[0].HoldAccess)
	require.Len(t, slaCfg.Stations, 1)
	assert.Equal(t, 2*time.Second, slaCfg.Stations[0].RingDelay)
	require.Len(t, slaCfg.Stations[0].Trunks, 1)
	assert.Equal(t, "line1", slaCfg.Stations[0].Trunks[0].Trunk)
	assert.Equal(t, 15*time.Second, slaCfg.Stations[0].Trunks[0].RingTimeout)
}

func TestLoadConfigBadHoldAccess(t *testing.T) {
	path := writeConfig(t, `
[[sla.trunk]]
name = "line1"
device = "SIP/line1"
hold_access = "secret"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	_, err = cfg.slaControllerConfig()
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
