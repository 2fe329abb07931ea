// Package config loads engine tuning parameters from a TOML file, applying
// documented defaults for any key the file leaves unset. The loader follows
// the "defaults struct + toml.DecodeFile + meta.IsDefined overlay" pattern
// used throughout danmuck-edgectl's cmd/*ctl config loaders.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/symlinkproto/iccom/framesm"
	"github.com/symlinkproto/iccom/protocol"
)

// ErrorRate holds the error-rate governor's tuning parameters,
// named after the original driver's ICCOM_* constants.
type ErrorRate struct {
	MinReportIntervalMS int64
	DecayHalfLifeMS     int64
	DecayFloorPercent   uint
	Thresholds          map[string]uint
}

// Config holds every tunable of one engine instance.
type Config struct {
	DataXferSizeBytes int
	AckXferSizeBytes  int
	LogLevel          string
	ErrorRate         ErrorRate
}

// Default returns the documented default configuration (the worked
// examples use DataXferSizeBytes=64).
func Default() Config {
	return Config{
		DataXferSizeBytes: protocol.DefaultDataXferSizeBytes,
		AckXferSizeBytes:  protocol.DefaultAckXferSizeBytes,
		LogLevel:          "info",
		ErrorRate: ErrorRate{
			MinReportIntervalMS: 10000,
			DecayHalfLifeMS:     2000,
			DecayFloorPercent:   3,
			Thresholds: map[string]uint{
				framesm.KindBadDataReceived:  5,
				framesm.KindDuplicated:       20,
				framesm.KindParsingFailed:    5,
				framesm.KindTransportFailure: 5,
			},
		},
	}
}

type errorRateFileConfig struct {
	MinReportIntervalMS int64           `toml:"min_report_interval_ms"`
	DecayHalfLifeMS     int64           `toml:"decay_half_life_ms"`
	DecayFloorPercent   uint            `toml:"decay_floor_percent"`
	Thresholds          map[string]uint `toml:"thresholds"`
}

type fileConfig struct {
	DataXferSizeBytes int                 `toml:"data_xfer_size_bytes"`
	AckXferSizeBytes  int                 `toml:"ack_xfer_size_bytes"`
	LogLevel          string              `toml:"log_level"`
	ErrorRate         errorRateFileConfig `toml:"error_rate"`
}

// Load reads path and overlays it onto Default(), then validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load iccom config: %w", err)
	}

	if meta.IsDefined("data_xfer_size_bytes") {
		cfg.DataXferSizeBytes = raw.DataXferSizeBytes
	}
	if meta.IsDefined("ack_xfer_size_bytes") {
		cfg.AckXferSizeBytes = raw.AckXferSizeBytes
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	if meta.IsDefined("error_rate", "min_report_interval_ms") {
		cfg.ErrorRate.MinReportIntervalMS = raw.ErrorRate.MinReportIntervalMS
	}
	if meta.IsDefined("error_rate", "decay_half_life_ms") {
		cfg.ErrorRate.DecayHalfLifeMS = raw.ErrorRate.DecayHalfLifeMS
	}
	if meta.IsDefined("error_rate", "decay_floor_percent") {
		cfg.ErrorRate.DecayFloorPercent = raw.ErrorRate.DecayFloorPercent
	}
	if meta.IsDefined("error_rate", "thresholds") {
		cfg.ErrorRate.Thresholds = raw.ErrorRate.Thresholds
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration that would violate a protocol invariant
// (a data-xfer frame must be able to carry at least an empty,
// finalized package).
func Validate(cfg Config) error {
	if cfg.DataXferSizeBytes < protocol.MinDataXferSizeBytes {
		return fmt.Errorf("iccom config: data_xfer_size_bytes %d below minimum %d", cfg.DataXferSizeBytes, protocol.MinDataXferSizeBytes)
	}
	if cfg.AckXferSizeBytes < 1 {
		return fmt.Errorf("iccom config: ack_xfer_size_bytes must be at least 1")
	}
	return nil
}
