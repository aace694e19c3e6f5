// Copyright 2025 The meshrouter Authors
// This file is part of meshrouter.
//
// meshrouter is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// meshrouter is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with meshrouter. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/openmesh-lab/meshrouter/auth"
	"github.com/openmesh-lab/meshrouter/ble"
	"github.com/openmesh-lab/meshrouter/ids"
	"github.com/openmesh-lab/meshrouter/router"
	"github.com/openmesh-lab/meshrouter/routerdb"
)

type httpConfig struct {
	Addr string   `yaml:"addr"`
	Port int      `yaml:"port"`
	CORS []string `yaml:"cors"`
}

type bleFileConfig struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type idsFileConfig struct {
	WindowSeconds       int    `yaml:"window_seconds"`
	MaxMsgsPerWindow    int    `yaml:"max_msgs_per_window"`
	DupTTLSeconds       int    `yaml:"duplicate_suppression_ttl_seconds"`
	BlockPeerAfter      int    `yaml:"block_peer_after"`
	BlockPeerTTLSeconds int    `yaml:"block_peer_ttl_seconds"`
	AuthWindowSeconds   int    `yaml:"auth_window_seconds"`
	AuthMaxAttempts     int    `yaml:"auth_max_attempts"`
	PersistReplay       *bool  `yaml:"persist_replay"`
	LogPath             string `yaml:"log_path"`
	LogMaxSizeMB        int    `yaml:"log_max_size_mb"`
}

type authFileConfig struct {
	CredentialsFile string            `yaml:"credentials_file"`
	Devices         []auth.Credential `yaml:"devices"`
}

// fileConfig is the on-disk daemon configuration. Flags override single
// fields after the file is loaded.
type fileConfig struct {
	DataDir string     `yaml:"datadir"`
	HTTP    httpConfig `yaml:"http"`

	TTLMin             int `yaml:"ttl_min"`
	TTLDefault         int `yaml:"ttl_default"`
	MaxTTL             int `yaml:"max_ttl"`
	MaxRetries         int `yaml:"max_retries"`
	BaseRetryBackoffMS int `yaml:"base_retry_backoff_ms"`
	TickIntervalMS     int `yaml:"tick_interval_ms"`
	MaxQueueSize       int `yaml:"max_queue_size"`
	MaxCiphertextBytes int `yaml:"max_ciphertext_bytes"`
	MaxTsSkewSeconds   int `yaml:"max_ts_skew_seconds"`
	MaxMsgAgeSeconds   int `yaml:"max_msg_age_seconds"`

	ForwardingEnabled         bool `yaml:"forwarding_enabled"`
	ForwardingInternalEnqueue bool `yaml:"forwarding_internal_enqueue"`
	DebugMode                 bool `yaml:"debug_mode"`

	BLE  bleFileConfig  `yaml:"ble"`
	IDS  idsFileConfig  `yaml:"ids"`
	Auth authFileConfig `yaml:"auth"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		DataDir:            defaultDataDir(),
		HTTP:               httpConfig{Addr: "127.0.0.1", Port: 8087},
		TTLMin:             1,
		TTLDefault:         4,
		MaxTTL:             8,
		MaxRetries:         5,
		BaseRetryBackoffMS: 500,
		TickIntervalMS:     2000,
		MaxQueueSize:       10000,
		MaxCiphertextBytes: 16384,
		MaxTsSkewSeconds:   300,
		MaxMsgAgeSeconds:   3600,
		BLE:                bleFileConfig{URL: ble.DefaultConfig.URL, TimeoutMS: 5000},
		IDS: idsFileConfig{
			WindowSeconds:       5,
			MaxMsgsPerWindow:    20,
			DupTTLSeconds:       600,
			BlockPeerAfter:      0,
			BlockPeerTTLSeconds: 600,
			AuthWindowSeconds:   60,
			AuthMaxAttempts:     240,
			LogMaxSizeMB:        32,
		},
	}
}

// loadConfig reads the YAML file over the defaults. Unknown keys are
// rejected so typos fail loudly instead of silently running on defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %v", path, err)
	}
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *fileConfig) {
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTP.Addr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(httpPortFlag.Name) {
		cfg.HTTP.Port = ctx.Int(httpPortFlag.Name)
	}
	if ctx.IsSet(httpCORSFlag.Name) {
		cfg.HTTP.CORS = splitAndTrim(ctx.String(httpCORSFlag.Name))
	}
	if ctx.IsSet(bleURLFlag.Name) {
		cfg.BLE.URL = ctx.String(bleURLFlag.Name)
	}
	if ctx.IsSet(forwardingFlag.Name) {
		cfg.ForwardingEnabled = ctx.Bool(forwardingFlag.Name)
	}
	if ctx.IsSet(debugFlag.Name) {
		cfg.DebugMode = ctx.Bool(debugFlag.Name)
	}
}

func splitAndTrim(input string) []string {
	var out []string
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c fileConfig) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("datadir is not set")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.BLE.URL == "" {
		return fmt.Errorf("ble url is not set")
	}
	if c.Auth.CredentialsFile != "" && len(c.Auth.Devices) > 0 {
		return fmt.Errorf("auth.credentials_file and auth.devices are mutually exclusive")
	}
	return c.routerConfig().Validate()
}

func (c fileConfig) routerConfig() router.Config {
	return router.Config{
		TTLMin:                    c.TTLMin,
		TTLDefault:                c.TTLDefault,
		MaxTTL:                    c.MaxTTL,
		MaxRetries:                c.MaxRetries,
		BaseBackoff:               time.Duration(c.BaseRetryBackoffMS) * time.Millisecond,
		TickInterval:              time.Duration(c.TickIntervalMS) * time.Millisecond,
		MaxCiphertextBytes:        c.MaxCiphertextBytes,
		MaxSkew:                   time.Duration(c.MaxTsSkewSeconds) * time.Second,
		MaxAge:                    time.Duration(c.MaxMsgAgeSeconds) * time.Second,
		ForwardingEnabled:         c.ForwardingEnabled,
		ForwardingInternalEnqueue: c.ForwardingInternalEnqueue,
		DebugMode:                 c.DebugMode,
		CORSOrigins:               c.HTTP.CORS,
	}
}

func (c fileConfig) storeConfig() routerdb.Config {
	return routerdb.Config{
		MaxQueueSize: c.MaxQueueSize,
		ReplayTTL:    time.Duration(c.IDS.DupTTLSeconds) * time.Second,
	}
}

func (c fileConfig) idsConfig() ids.Config {
	return ids.Config{
		Window:          time.Duration(c.IDS.WindowSeconds) * time.Second,
		MaxPerWindow:    c.IDS.MaxMsgsPerWindow,
		DupTTL:          time.Duration(c.IDS.DupTTLSeconds) * time.Second,
		BlockAfter:      c.IDS.BlockPeerAfter,
		BlockTTL:        time.Duration(c.IDS.BlockPeerTTLSeconds) * time.Second,
		AuthWindow:      time.Duration(c.IDS.AuthWindowSeconds) * time.Second,
		AuthMaxAttempts: c.IDS.AuthMaxAttempts,
	}
}

func (c fileConfig) bleConfig() ble.Config {
	return ble.Config{
		URL:     c.BLE.URL,
		Timeout: time.Duration(c.BLE.TimeoutMS) * time.Millisecond,
	}
}

func (c fileConfig) persistReplay() bool {
	if c.IDS.PersistReplay == nil {
		return true
	}
	return *c.IDS.PersistReplay
}

func (c fileConfig) auditLogPath() string {
	if c.IDS.LogPath != "" {
		return c.IDS.LogPath
	}
	return filepath.Join(c.DataDir, "ids_suspicious.log")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".meshrouter")
}
