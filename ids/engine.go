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

// Package ids implements the intrusion detection policy of a relay node:
// per-peer sliding-window rate limits, duplicate suppression, temporary peer
// blocking and an anonymized audit trail of suspicious traffic.
//
// The engine is deterministic given its clock — it owns no goroutines and
// consults only the injected mclock.Clock — so policy behavior is fully
// reproducible in tests with a simulated clock. All policy decisions key on
// the envelope's sender fingerprint; transport-level peer hints must never be
// used as policy keys (they are spoofable and appear only, anonymized, in
// audit records).
package ids

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	duplicateMeter = metrics.NewRegisteredMeter("ids/duplicate", nil)
	rateLimitMeter = metrics.NewRegisteredMeter("ids/ratelimit", nil)
	authLimitMeter = metrics.NewRegisteredMeter("ids/authlimit", nil)
	eventMeter     = metrics.NewRegisteredMeter("ids/events", nil)
	blockedCounter = metrics.NewRegisteredCounter("ids/blocked", nil)
)

// Config are the policy tunables.
type Config struct {
	// Window and MaxPerWindow bound how many envelopes a single sender
	// fingerprint may introduce per sliding window.
	Window       time.Duration
	MaxPerWindow int

	// DupTTL bounds how long msg_ids are remembered for duplicate
	// suppression.
	DupTTL time.Duration

	// BlockAfter is the suspicious-event count at which a peer gets
	// blocked for BlockTTL. Zero disables blocking.
	BlockAfter int
	BlockTTL   time.Duration

	// AuthWindow and AuthMaxAttempts bound pre-auth API requests per
	// remote address, guarding credential stuffing. The defaults are
	// deliberately generous: legitimate traffic should be shaped by the
	// per-sender message limits, not by the auth guard.
	AuthWindow      time.Duration
	AuthMaxAttempts int

	Clock  mclock.Clock `yaml:"-"`
	Logger log.Logger   `yaml:"-"`
}

// DefaultConfig holds the policy defaults.
var DefaultConfig = Config{
	Window:          5 * time.Second,
	MaxPerWindow:    20,
	DupTTL:          10 * time.Minute,
	BlockAfter:      0,
	BlockTTL:        10 * time.Minute,
	AuthWindow:      time.Minute,
	AuthMaxAttempts: 240,
}

func (cfg Config) withDefaults() Config {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultConfig.MaxPerWindow
	}
	if cfg.DupTTL <= 0 {
		cfg.DupTTL = DefaultConfig.DupTTL
	}
	if cfg.BlockTTL <= 0 {
		cfg.BlockTTL = DefaultConfig.BlockTTL
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = DefaultConfig.AuthWindow
	}
	if cfg.AuthMaxAttempts <= 0 {
		cfg.AuthMaxAttempts = DefaultConfig.AuthMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// ReplayStore is a durable first-seen record for msg_ids. When attached, the
// duplicate check survives restarts; Seen must atomically record unseen ids
// and Forget must re-arm an id so its next sighting passes again.
type ReplayStore interface {
	Seen(msgID string) bool
	Forget(msgID string)
	ReplayCount() int
}

// Stats is a point-in-time summary of engine state.
type Stats struct {
	TrackedMsgIDs    int `json:"tracked_msg_ids"`
	OpenWindows      int `json:"open_windows"`
	BlockedPeers     int `json:"blocked_peers"`
	SuspiciousEvents int `json:"suspicious_events"`
}

// Engine tracks per-peer traffic policy state.
type Engine struct {
	cfg    Config
	clock  mclock.Clock
	log    log.Logger
	audit  *AuditLog
	replay ReplayStore

	mu         sync.Mutex
	windows    map[string][]mclock.AbsTime // policy key -> accepted-at times
	seen       map[string]mclock.AbsTime   // msg_id -> first seen
	suspicious map[string]int              // peer -> event count
	blocked    map[string]mclock.AbsTime   // peer -> blocked until
}

// New creates an engine. audit may be nil (events are then only counted and
// logged); replay may be nil (duplicate suppression is then in-memory only).
func New(cfg Config, audit *AuditLog, replay ReplayStore) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.New("ids", "engine"),
		audit:  audit,
		replay: replay,
	}
	e.Reset()
	return e
}

// Reset drops all in-memory policy state. The durable replay log, if any, is
// not touched.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows = make(map[string][]mclock.AbsTime)
	e.seen = make(map[string]mclock.AbsTime)
	e.suspicious = make(map[string]int)
	e.blocked = make(map[string]mclock.AbsTime)
}

// IsDuplicate reports whether msgID was already seen within DupTTL, recording
// the first sighting. With a replay store attached the record is durable.
// For any msg_id it returns false at most once per DupTTL interval.
func (e *Engine) IsDuplicate(msgID string) bool {
	if e.replay != nil {
		if e.replay.Seen(msgID) {
			duplicateMeter.Mark(1)
			return true
		}
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for id, at := range e.seen {
		if time.Duration(now-at) > e.cfg.DupTTL {
			delete(e.seen, id)
		}
	}
	if _, dup := e.seen[msgID]; dup {
		duplicateMeter.Mark(1)
		return true
	}
	e.seen[msgID] = now
	return false
}

// Forget drops the first-seen record of msgID so its next sighting passes the
// duplicate check again. Admission paths roll back a recorded sighting with
// it when the enqueue that followed failed for reasons unrelated to the
// message, otherwise the retry the caller was invited to make would be
// refused as a duplicate.
func (e *Engine) Forget(msgID string) {
	if e.replay != nil {
		e.replay.Forget(msgID)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seen, msgID)
}

// IsRateLimited reports whether the peer is blocked or over its message
// budget for the current window. Accepted calls are counted against the
// window; rejected ones are not, so a throttled peer recovers as soon as its
// accepted traffic ages out. Expired blocks are removed on the way.
func (e *Engine) IsRateLimited(peer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if until, ok := e.blocked[peer]; ok {
		if e.clock.Now() < until {
			rateLimitMeter.Mark(1)
			return true
		}
		delete(e.blocked, peer)
		e.log.Debug("Peer block expired", "peer", Anonymize(peer))
	}
	if e.overWindow(peer, e.cfg.Window, e.cfg.MaxPerWindow) {
		rateLimitMeter.Mark(1)
		return true
	}
	return false
}

// AllowAuth reports whether another API request from the given remote address
// may proceed to credential verification.
func (e *Engine) AllowAuth(remoteIP string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.overWindow("auth:"+remoteIP, e.cfg.AuthWindow, e.cfg.AuthMaxAttempts) {
		authLimitMeter.Mark(1)
		return false
	}
	return true
}

// overWindow prunes the key's window to the given width and either records
// the attempt (false) or reports exhaustion (true). Callers hold e.mu.
func (e *Engine) overWindow(key string, window time.Duration, max int) bool {
	now := e.clock.Now()
	kept := e.windows[key][:0]
	for _, at := range e.windows[key] {
		if time.Duration(now-at) < window {
			kept = append(kept, at)
		}
	}
	if len(kept) >= max {
		e.windows[key] = kept
		return true
	}
	e.windows[key] = append(kept, now)
	return false
}

// LogSuspicious records a policy violation by peer: the suspicious counter
// grows, the (anonymized) event is appended to the audit log, and when the
// counter reaches BlockAfter the peer is blocked for BlockTTL. Audit failures
// are logged but never propagate; detection must not break ingress.
func (e *Engine) LogSuspicious(event, peer, msgID, detail string, extra map[string]interface{}) {
	e.mu.Lock()
	e.suspicious[peer]++
	count := e.suspicious[peer]
	installBlock := false
	if e.cfg.BlockAfter > 0 && count >= e.cfg.BlockAfter {
		if _, already := e.blocked[peer]; !already {
			e.blocked[peer] = e.clock.Now().Add(e.cfg.BlockTTL)
			installBlock = true
		}
	}
	e.mu.Unlock()

	eventMeter.Mark(1)
	e.emit(event, peer, msgID, detail, extra)

	if installBlock {
		blockedCounter.Inc(1)
		e.log.Warn("Peer blocked", "peer", Anonymize(peer), "events", count, "ttl", e.cfg.BlockTTL)
		e.emit(EventPeerBlocked, peer, "", "suspicious event threshold reached", map[string]interface{}{
			"events": count,
		})
	}
}

// emit appends one anonymized record to the audit log. Identifier-valued
// extras are anonymized here too, so callers can pass raw values throughout.
func (e *Engine) emit(event, peer, msgID, detail string, extra map[string]interface{}) {
	if e.audit == nil {
		return
	}
	var cleaned map[string]interface{}
	if len(extra) > 0 {
		cleaned = make(map[string]interface{}, len(extra))
		for k, v := range extra {
			cleaned[k] = v
		}
		if lp, ok := cleaned["link_peer"].(string); ok {
			cleaned["link_peer"] = Anonymize(lp)
		}
	}
	rec := Record{
		Ts:     time.Now().UTC(),
		Event:  event,
		Peer:   Anonymize(peer),
		MsgID:  Anonymize(msgID),
		Detail: detail,
		Extra:  cleaned,
	}
	if err := e.audit.Append(rec); err != nil {
		e.log.Error("Failed to append audit record", "event", event, "err", err)
	}
}

// BlockedUntil returns the expiry of an active block on peer, if any.
func (e *Engine) BlockedUntil(peer string) (mclock.AbsTime, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.blocked[peer]
	if ok && e.clock.Now() >= until {
		return 0, false
	}
	return until, ok
}

// Snapshot summarizes the engine state for the stats surface.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, n := range e.suspicious {
		total += n
	}
	tracked := len(e.seen)
	if e.replay != nil {
		tracked = e.replay.ReplayCount()
	}
	return Stats{
		TrackedMsgIDs:    tracked,
		OpenWindows:      len(e.windows),
		BlockedPeers:     len(e.blocked),
		SuspiciousEvents: total,
	}
}
