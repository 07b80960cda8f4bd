// Package config loads the hub and agent's YAML configuration, applying
// sensible defaults when a field (or the whole file) is absent, and watches
// the file for live reload of non-structural settings.
package config

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Hub holds every tunable the hub orchestrator (C8) needs.
type Hub struct {
	ListenAddr string `yaml:"listen_addr"`

	FileUsers       string `yaml:"file_users"`
	DirHistory      string `yaml:"dir_history"`
	FileGroups      string `yaml:"file_groups"`
	FileScheduled   string `yaml:"file_scheduled"`
	DirResults      string `yaml:"dir_results"`
	DirFiles        string `yaml:"dir_files"`
	DirOutputArchive string `yaml:"dir_output_archive"`
	FileState       string `yaml:"file_state"`
	FileCrashLog    string `yaml:"file_crash_log"`
	FileSimplScript string `yaml:"file_simpl_script"`

	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ExportMetaTimeout   time.Duration `yaml:"export_meta_timeout"`
	ImportConfirmTimeout time.Duration `yaml:"import_confirm_timeout"`
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	SnapshotPeriod      time.Duration `yaml:"snapshot_period"`

	MaxConnections      int   `yaml:"max_connections"`
	MaxConnectionsPerIP int   `yaml:"max_connections_per_ip"`
	BandwidthGlobal     int64 `yaml:"bandwidth_global"`
	BandwidthPerAgent   int64 `yaml:"bandwidth_per_agent"`

	// ArchiveRotateSize is the byte threshold past which a per-alias output
	// archive or per-target result log is gzip-rolled rather than left to
	// grow unbounded. Zero disables rotation.
	ArchiveRotateSize int64 `yaml:"archive_rotate_size"`

	MetricsAddr string `yaml:"metrics_addr"`
	ConsoleAddr string `yaml:"console_network_addr"`
}

// Agent holds every tunable the agent receive loop (C9) needs.
type Agent struct {
	HubAddr         string        `yaml:"hub_addr"`
	ID              string        `yaml:"id"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	CommandBudget   time.Duration `yaml:"command_budget"`
	DownloadDir     string        `yaml:"download_dir"`
}

// DefaultHub returns the hub configuration to use when no file is supplied.
func DefaultHub() Hub {
	return Hub{
		ListenAddr:           "0.0.0.0:9000",
		FileUsers:            "data/users.json",
		DirHistory:           "data/history",
		FileGroups:           "data/groups.json",
		FileScheduled:        "data/scheduled_commands.json",
		DirResults:           "data/scheduled_results",
		DirFiles:             "data/files",
		DirOutputArchive:     "data/trash",
		FileState:            "data/server_state.json",
		FileCrashLog:         "data/crash.log",
		FileSimplScript:      "data/code.txt",
		HandshakeTimeout:     10 * time.Second,
		ExportMetaTimeout:    30 * time.Second,
		ImportConfirmTimeout: 10 * time.Second,
		InactivityTimeout:    300 * time.Second,
		SnapshotPeriod:       30 * time.Second,
		MaxConnections:       0,
		MaxConnectionsPerIP:  0,
		ArchiveRotateSize:    10 * 1024 * 1024,
	}
}

// DefaultAgent returns the agent configuration to use when no file is supplied.
func DefaultAgent() Agent {
	return Agent{
		HubAddr:        "127.0.0.1:9000",
		ReconnectDelay: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		CommandBudget:  30 * time.Second,
		DownloadDir:    "received",
	}
}

// LoadHub reads path (if it exists) over DefaultHub, returning the merged
// configuration. A missing file is not an error.
func LoadHub(path string) (Hub, error) {
	cfg := DefaultHub()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAgent reads path (if it exists) over DefaultAgent.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WatchHub watches path and invokes onChange with the freshly reloaded
// configuration whenever the file is written. The listen address is
// intentionally not hot-swapped — callers should log and ignore a changed
// ListenAddr, since rebinding the accept socket requires a restart.
func WatchHub(path string, onChange func(Hub)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if cfg, err := LoadHub(path); err == nil {
					onChange(cfg)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}
