// Copyright 2025 The meshrouter Authors
// This file is part of the meshrouter library.
//
// The meshrouter library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The meshrouter library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the meshrouter library. If not, see <http://www.gnu.org/licenses/>.

package router

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
)

// Config bundles the routing policy knobs shared by the ingress API and the
// forwarder loop.
type Config struct {
	// TTL policy. Locally enqueued chunks default to TTLDefault hops and
	// must land in [TTLMin, MaxTTL]; relayed chunks must carry their own.
	TTLMin     int `yaml:"ttl_min"`
	TTLDefault int `yaml:"ttl_default"`
	MaxTTL     int `yaml:"max_ttl"`

	// Forwarder retry policy. A chunk is retried with exponentially growing
	// gaps (BaseBackoff doubling per retry) until MaxRetries attempts have
	// failed, then dropped as max_retries.
	MaxRetries   int           `yaml:"max_retries"`
	BaseBackoff  time.Duration `yaml:"-"`
	TickInterval time.Duration `yaml:"-"`

	// Ingress admission. MaxCiphertextBytes bounds the encoded ciphertext
	// field, MaxSkew the tolerated future timestamp drift and MaxAge the
	// oldest timestamp still worth relaying.
	MaxCiphertextBytes int           `yaml:"max_ciphertext_bytes"`
	MaxSkew            time.Duration `yaml:"-"`
	MaxAge             time.Duration `yaml:"-"`

	// ForwardingEnabled reports relayed chunks as "forward" instead of
	// "final"; ForwardingInternalEnqueue additionally re-queues them on this
	// node so the forwarder pushes them to the next hop.
	ForwardingEnabled         bool `yaml:"forwarding_enabled"`
	ForwardingInternalEnqueue bool `yaml:"forwarding_internal_enqueue"`

	// DebugMode exposes the stats, queue_debug, ids_log_tail and
	// /debug/metrics routes. They answer 404 otherwise.
	DebugMode bool `yaml:"debug_mode"`

	// CORSOrigins enables cross origin requests for browser tooling when
	// non-empty.
	CORSOrigins []string `yaml:"cors_origins"`

	Clock  mclock.Clock `yaml:"-"`
	Logger log.Logger   `yaml:"-"`
}

// DefaultConfig carries the routing policy the mobile clients are tuned for.
var DefaultConfig = Config{
	TTLMin:             1,
	TTLDefault:         4,
	MaxTTL:             8,
	MaxRetries:         5,
	BaseBackoff:        500 * time.Millisecond,
	TickInterval:       2 * time.Second,
	MaxCiphertextBytes: 16384,
	MaxSkew:            5 * time.Minute,
	MaxAge:             time.Hour,
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig
	if cfg.TTLMin <= 0 {
		cfg.TTLMin = def.TTLMin
	}
	if cfg.TTLDefault <= 0 {
		cfg.TTLDefault = def.TTLDefault
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxCiphertextBytes <= 0 {
		cfg.MaxCiphertextBytes = def.MaxCiphertextBytes
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = def.MaxSkew
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// Validate rejects TTL policies that cannot admit any chunk.
func (cfg Config) Validate() error {
	if cfg.TTLMin > cfg.MaxTTL {
		return fmt.Errorf("ttl_min %d above max_ttl %d", cfg.TTLMin, cfg.MaxTTL)
	}
	if cfg.TTLDefault < cfg.TTLMin || cfg.TTLDefault > cfg.MaxTTL {
		return fmt.Errorf("ttl_default %d outside [%d, %d]", cfg.TTLDefault, cfg.TTLMin, cfg.MaxTTL)
	}
	return nil
}
