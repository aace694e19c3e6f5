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
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"

	"github.com/openmesh-lab/meshrouter/ble"
	"github.com/openmesh-lab/meshrouter/envelope"
	"github.com/openmesh-lab/meshrouter/ids"
	"github.com/openmesh-lab/meshrouter/routerdb"
)

const (
	// decodeCacheSize bounds the envelope decode cache. Rows past the first
	// attempt are rescanned every tick, so decoding them once is enough.
	decodeCacheSize = 512

	// maxBackoffShift caps the exponent so the backoff math never overflows
	// a duration, whatever retry count a row carries.
	maxBackoffShift = 20
)

var (
	forwardSentMeter        = metrics.NewRegisteredMeter("router/forward/sent", nil)
	forwardRetryMeter       = metrics.NewRegisteredMeter("router/forward/retry", nil)
	forwardDropTTLMeter     = metrics.NewRegisteredMeter("router/forward/drop/ttl", nil)
	forwardDropRetriesMeter = metrics.NewRegisteredMeter("router/forward/drop/retries", nil)
	forwardDropInvalidMeter = metrics.NewRegisteredMeter("router/forward/drop/invalid", nil)
	forwardSendTimer        = metrics.NewRegisteredTimer("router/forward/send", nil)
)

// Forwarder drains the queue in the background. Every tick it scans queued
// rows in FIFO order, skips the ones still inside their backoff window and
// hands the rest to the BLE adapter with TTL decremented and hop count
// incremented. Adapter failures bump the retry counter until the budget is
// spent.
type Forwarder struct {
	cfg     Config
	log     log.Logger
	clock   mclock.Clock
	store   *routerdb.Store
	adapter *ble.Client
	engine  *ids.Engine

	envs *lru.Cache // row id -> decoded envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewForwarder wires the loop but does not start it.
func NewForwarder(cfg Config, store *routerdb.Store, adapter *ble.Client, engine *ids.Engine) *Forwarder {
	cfg = cfg.withDefaults()
	envs, _ := lru.New(decodeCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		cfg:     cfg,
		log:     cfg.Logger.New("loop", "forwarder"),
		clock:   cfg.Clock,
		store:   store,
		adapter: adapter,
		engine:  engine,
		envs:    envs,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background loop.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop aborts any in-flight send and waits for the loop to exit.
func (f *Forwarder) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *Forwarder) loop() {
	defer f.wg.Done()

	f.log.Info("Forwarder started", "tick", f.cfg.TickInterval, "maxretries", f.cfg.MaxRetries)
	for {
		select {
		case <-f.clock.After(f.cfg.TickInterval):
			f.process()
		case <-f.ctx.Done():
			f.log.Info("Forwarder stopped")
			return
		}
	}
}

// process runs one full pass over the queue.
func (f *Forwarder) process() {
	entries, err := f.store.Outgoing(0)
	if err != nil {
		f.log.Error("Queue scan failed", "err", err)
		return
	}
	now := time.Unix(0, int64(f.clock.Now()))
	for _, e := range entries {
		if f.ctx.Err() != nil {
			return
		}
		if !f.due(e, now) {
			continue
		}
		f.attempt(e)
	}
}

// due applies the retry backoff: a row that failed r times waits
// BaseBackoff doubled r-1 times since its last attempt.
func (f *Forwarder) due(e *routerdb.Entry, now time.Time) bool {
	if e.Retries == 0 {
		return true
	}
	shift := uint(e.Retries - 1)
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return now.Sub(e.LastUpdate) >= f.cfg.BaseBackoff<<shift
}

func (f *Forwarder) attempt(e *routerdb.Entry) {
	env := f.decode(e)
	if env == nil {
		forwardDropInvalidMeter.Mark(1)
		if err := f.store.Drop(e.RowID, routerdb.StatusInvalidEnvelope); err != nil {
			f.log.Error("Queue update failed", "row", e.RowID, "err", err)
		}
		f.log.Warn("Dropped undecodable queue row", "row", e.RowID)
		return
	}
	// A stored TTL of zero cannot be decremented further, and one above the
	// relay maximum means the ceiling was lowered after the row was queued;
	// either way the chunk dies here instead of going on the air.
	if env.Header.TTL-1 < 0 || env.Header.TTL > f.cfg.MaxTTL {
		forwardDropTTLMeter.Mark(1)
		if err := f.store.Drop(e.RowID, routerdb.StatusTTLExpired); err != nil {
			f.log.Error("Queue update failed", "row", e.RowID, "err", err)
		}
		f.engine.LogSuspicious(ids.EventTTLExpired, env.Header.SenderFP, env.Header.MsgID, "ttl outside relay policy", nil)
		f.envs.Remove(e.RowID)
		f.log.Debug("Dropped expired chunk", "row", e.RowID, "chunk", env.Summary())
		return
	}

	next := env.NextHop()
	start := time.Now()
	err := f.adapter.SendChunk(f.ctx, next, next.Header.RecipientFP)
	forwardSendTimer.UpdateSince(start)

	if err == nil {
		forwardSentMeter.Mark(1)
		if err := f.store.MarkDelivered(e.RowID); err != nil {
			f.log.Error("Queue update failed", "row", e.RowID, "err", err)
		}
		f.envs.Remove(e.RowID)
		f.log.Debug("Chunk handed to adapter", "row", e.RowID, "chunk", next.Summary())
		return
	}
	if f.ctx.Err() != nil {
		// Shutdown aborted the send; leave the row untouched.
		return
	}
	retries, rerr := f.store.BumpRetry(e.RowID)
	if rerr != nil {
		f.log.Error("Queue update failed", "row", e.RowID, "err", rerr)
		return
	}
	forwardRetryMeter.Mark(1)
	if retries >= f.cfg.MaxRetries {
		forwardDropRetriesMeter.Mark(1)
		if err := f.store.Drop(e.RowID, routerdb.StatusMaxRetries); err != nil {
			f.log.Error("Queue update failed", "row", e.RowID, "err", err)
		}
		f.envs.Remove(e.RowID)
		f.log.Warn("Dropped chunk after retry budget", "row", e.RowID, "chunk", env.Summary(), "retries", retries, "err", err)
		return
	}
	f.log.Debug("Send failed, backing off", "row", e.RowID, "retries", retries, "err", err)
}

func (f *Forwarder) decode(e *routerdb.Entry) *envelope.Envelope {
	if v, ok := f.envs.Get(e.RowID); ok {
		return v.(*envelope.Envelope)
	}
	env, err := envelope.Decode(e.Envelope)
	if err != nil {
		f.log.Warn("Queue row decode failed", "row", e.RowID, "err", err)
		return nil
	}
	f.envs.Add(e.RowID, env)
	return env
}
