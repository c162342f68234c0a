package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arzzra/conf_bridge/pkg/sla"
)

// duration оборачивает time.Duration для разбора строк вида "30s" из
// toml.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type daemonConfig struct {
	LogLevel      string `toml:"log_level"`
	RecordingDir  string `toml:"recording_dir"`
	ManagerListen string `toml:"manager_listen"`
	MetricsListen string `toml:"metrics_listen"`
}

type conferenceConfig struct {
	MaxConferences  int      `toml:"max_conferences"`
	DefaultMaxUsers int      `toml:"default_max_users"`
	ExtendIncrement duration `toml:"extend_increment"`
}

type sipConfig struct {
	Enabled     bool   `toml:"enabled"`
	BindHost    string `toml:"bind_host"`
	SIPPort     int    `toml:"sip_port"`
	Domain      string `toml:"domain"`
	Contact     string `toml:"contact"`
	DisplayName string `toml:"display_name"`
	RTPPortMin  int    `toml:"rtp_port_min"`
	RTPPortMax  int    `toml:"rtp_port_max"`
	DSCP        int    `toml:"dscp"`
}

type slaTrunkConfig struct {
	Name          string   `toml:"name"`
	Device        string   `toml:"device"`
	AutoContext   string   `toml:"auto_context"`
	RingTimeout   duration `toml:"ring_timeout"`
	BargeDisabled bool     `toml:"barge_disabled"`
	HoldAccess    string   `toml:"hold_access"`
}

type slaStationTrunkConfig struct {
	Name        string   `toml:"name"`
	RingTimeout duration `toml:"ring_timeout"`
	RingDelay   duration `toml:"ring_delay"`
}

type slaStationConfig struct {
	Name        string                  `toml:"name"`
	Device      string                  `toml:"device"`
	AutoContext string                  `toml:"auto_context"`
	RingTimeout duration                `toml:"ring_timeout"`
	RingDelay   duration                `toml:"ring_delay"`
	HoldAccess  string                  `toml:"hold_access"`
	Trunks      []slaStationTrunkConfig `toml:"trunk"`
}

type slaFileConfig struct {
	Trunks   []slaTrunkConfig   `toml:"trunk"`
	Stations []slaStationConfig `toml:"station"`
}

// fileConfig - структура toml файла демона.
type fileConfig struct {
	Daemon     daemonConfig     `toml:"daemon"`
	Conference conferenceConfig `toml:"conference"`
	SIP        sipConfig        `toml:"sip"`
	SLA        slaFileConfig    `toml:"sla"`
}

func defaultConfig() *fileConfig {
	return &fileConfig{
		Daemon: daemonConfig{
			LogLevel:      "info",
			RecordingDir:  ".",
			ManagerListen: "127.0.0.1:5038",
			MetricsListen: "127.0.0.1:9355",
		},
		Conference: conferenceConfig{
			ExtendIncrement: duration{5 * time.Minute},
		},
	}
}

// loadConfig читает конфигурацию. Пустой путь дает умолчания.
func loadConfig(path string) (*fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	return cfg, nil
}

func (c *fileConfig) logLevel() slog.Level {
	switch c.Daemon.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slaControllerConfig транслирует декларации toml в конфигурацию
// контроллера SLA.
func (c *fileConfig) slaControllerConfig() (sla.Config, error) {
	var cfg sla.Config
	for _, t := range c.SLA.Trunks {
		hold, err := sla.ParseHoldAccess(t.HoldAccess)
		if err != nil {
			return sla.Config{}, fmt.Errorf("транк %s: %w", t.Name, err)
		}
		cfg.Trunks = append(cfg.Trunks, sla.TrunkConfig{
			Name:          t.Name,
			Device:        t.Device,
			AutoContext:   t.AutoContext,
			RingTimeout:   t.RingTimeout.Duration,
			BargeDisabled: t.BargeDisabled,
			HoldAccess:    hold,
		})
	}
	for _, s := range c.SLA.Stations {
		hold, err := sla.ParseHoldAccess(s.HoldAccess)
		if err != nil {
			return sla.Config{}, fmt.Errorf("станция %s: %w", s.Name, err)
		}
		st := sla.StationConfig{
			Name:        s.Name,
			Device:      s.Device,
			AutoContext: s.AutoContext,
			RingTimeout: s.RingTimeout.Duration,
			RingDelay:   s.RingDelay.Duration,
			HoldAccess:  hold,
		}
		for _, ref := range s.Trunks {
			st.Trunks = append(st.Trunks, sla.StationTrunk{
				Trunk:       ref.Name,
				RingTimeout: ref.RingTimeout.Duration,
				RingDelay:   ref.RingDelay.Duration,
			})
		}
		cfg.Stations = append(cfg.Stations, st)
	}
	return cfg, nil
}
