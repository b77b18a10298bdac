// Package config loads creditmine settings from flags, environment and file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Common contains defaults shared by every command.
var Common = struct {
	LogLevel  string
	LogFormat string
	DataDir   string
}{
	LogLevel:  "info",
	LogFormat: "auto",
	DataDir:   DefaultDataDir(),
}

// DefaultDataDir returns the default data directory (~/.creditmine).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".creditmine"
	}
	return filepath.Join(home, ".creditmine")
}

// MiningDefaults holds the stock selection and throttling settings.
var MiningDefaults = struct {
	Capacity        int
	MaxPerSource    int
	Policy          string
	Aggressiveness  int
	ActivityTimeout time.Duration
	DefaultPriority int
	ArchivePriority int
}{
	Capacity:        20,
	MaxPerSource:    10,
	Policy:          "seeder_ratio",
	Aggressiveness:  3,
	ActivityTimeout: 240 * time.Second,
	DefaultPriority: 5,
	ArchivePriority: 100,
}

// AdmissionDefaults holds the stock probe settings.
var AdmissionDefaults = struct {
	MaxConcurrent int
	RetryBackoff  time.Duration
	Pieces        int
	PiecePriority int
	CheckInterval time.Duration
	MaxDuration   time.Duration
	Grace         time.Duration
}{
	MaxConcurrent: 500,
	RetryBackoff:  20 * time.Second,
	Pieces:        4,
	PiecePriority: 7,
	CheckInterval: 2 * time.Second,
	MaxDuration:   time.Hour,
	Grace:         10 * time.Minute,
}

// ScheduleDefaults holds each task's initial delay and interval.
var ScheduleDefaults = map[string][2]time.Duration{
	"select":         {30 * time.Second, 100 * time.Second},
	"tracker_health": {25 * time.Second, 200 * time.Second},
	"activity":       {2 * time.Second, 2 * time.Second},
	"rebalance":      {2 * time.Second, 2 * time.Second},
	"resume_drain":   {10 * time.Second, 5 * time.Second},
	"statistics":     {20 * time.Second, 60 * time.Second},
}

// EngineDefaults holds the transfer session settings.
var EngineDefaults = struct {
	ListenPort      int
	ProbeListenPort int
	MaxConns        int
}{
	ListenPort:      6881,
	ProbeListenPort: 6882,
	MaxConns:        50,
}
