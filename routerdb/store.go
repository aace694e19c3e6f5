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

// Package routerdb persists the forwarding queue and the replay log of a
// relay node in a single goleveldb store.
//
// Queue rows are append-only: a message enters in state queued and ends in
// exactly one terminal state. Row ids grow monotonically and are never
// reused, so iterating rows in key order yields FIFO order. The msg_id index
// is permanent, which makes a re-enqueue of a previously seen message a
// conflict rather than a silent overwrite.
package routerdb

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	lvlerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/openmesh-lab/meshrouter/envelope"
)

var (
	// ErrDuplicate is returned when enqueueing a msg_id the store has
	// already accepted, whether that row is still queued or long terminal.
	ErrDuplicate = errors.New("routerdb: duplicate message id")

	// ErrQueueFull is returned when the live queue is at capacity.
	ErrQueueFull = errors.New("routerdb: queue full")

	// ErrNotFound is returned when a row id does not exist.
	ErrNotFound = errors.New("routerdb: row not found")
)

const (
	// replayCleanupCycle is how often expired replay entries are swept.
	replayCleanupCycle = time.Hour
)

var (
	enqueueMeter     = metrics.NewRegisteredMeter("routerdb/enqueue", nil)
	deliveredMeter   = metrics.NewRegisteredMeter("routerdb/delivered", nil)
	droppedMeter     = metrics.NewRegisteredMeter("routerdb/dropped", nil)
	retryMeter       = metrics.NewRegisteredMeter("routerdb/retry", nil)
	queuedGauge      = metrics.NewRegisteredGauge("routerdb/queued", nil)
	replayPruneMeter = metrics.NewRegisteredMeter("routerdb/replay/pruned", nil)
)

// Status is the lifecycle state of a queue row. Everything except
// StatusQueued is terminal.
type Status uint8

const (
	StatusQueued Status = iota
	StatusDelivered
	StatusTTLExpired
	StatusMaxRetries
	StatusInvalidEnvelope
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusDelivered:
		return "delivered"
	case StatusTTLExpired:
		return "ttl_expired"
	case StatusMaxRetries:
		return "max_retries"
	case StatusInvalidEnvelope:
		return "invalid_envelope"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s != StatusQueued
}

// MarshalText renders the status for JSON responses.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is a decoded queue row.
type Entry struct {
	RowID      uint64    `json:"row_id"`
	MsgID      string    `json:"msg_id"`
	Envelope   []byte    `json:"-"` // canonical envelope JSON
	TTL        int       `json:"ttl"`
	Retries    int       `json:"retries"`
	Status     Status    `json:"status"`
	Delivered  bool      `json:"delivered"`
	LastUpdate time.Time `json:"last_update"`
}

// queueRow is the RLP layout of a stored row. The envelope JSON travels
// snappy-compressed; everything else is kept flat for cheap scans.
type queueRow struct {
	MsgID      string
	Envelope   []byte
	TTL        uint32
	Retries    uint32
	Status     uint8
	Delivered  bool
	LastUpdate uint64 // unix milliseconds
}

// Config are the tunables of the queue store. The runtime fields are wired
// by the daemon and left alone by the config file decoder.
type Config struct {
	MaxQueueSize int `yaml:"max_queue_size"`

	// ReplayTTL bounds how long first-seen msg_ids are remembered for
	// duplicate suppression across restarts.
	ReplayTTL time.Duration `yaml:"-"`

	Clock  mclock.Clock `yaml:"-"`
	Logger log.Logger   `yaml:"-"`
}

// DefaultConfig holds the store defaults.
var DefaultConfig = Config{
	MaxQueueSize: 10000,
	ReplayTTL:    10 * time.Minute,
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig.MaxQueueSize
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultConfig.ReplayTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// Store is a durable message queue plus replay log. All mutations are
// serialized by an internal mutex and applied as atomic write batches; reads
// go through leveldb snapshots and take no lock.
type Store struct {
	lvl   *leveldb.DB
	cfg   Config
	clock mclock.Clock
	log   log.Logger

	mu     sync.Mutex // guards mutations and the cached counters
	runner sync.Once  // ensures the replay expirer runs at most once
	quit   chan struct{}
}

// Open opens (or creates) a store at the given path. An empty path opens an
// in-memory store, which is mainly useful for testing.
func Open(path string, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = openPersistent(path)
	}
	if err != nil {
		return nil, err
	}
	s := &Store{
		lvl:   db,
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger.New("db", "routerdb"),
		quit:  make(chan struct{}),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	queuedGauge.Update(int64(s.QueueLen()))
	return s, nil
}

func openPersistent(path string) (*leveldb.DB, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: 5}
	db, err := leveldb.OpenFile(path, opts)
	if _, iscorrupted := err.(*lvlerrors.ErrCorrupted); iscorrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	return db, err
}

// ensureSchema verifies the layout version and rebuilds the live row counter
// when it is absent. Queue contents must survive upgrades, so an unknown
// version is an error, never a wipe.
func (s *Store) ensureSchema() error {
	blob, err := s.lvl.Get(schemaVersionKey, nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := s.lvl.Put(schemaVersionKey, encodeRowID(schemaVersion), nil); err != nil {
			return err
		}
	case nil:
		if have := decodeRowID(blob); have != schemaVersion {
			return errors.New("routerdb: incompatible store version")
		}
	default:
		return err
	}
	if _, err := s.lvl.Get(liveRowsKey, nil); err == leveldb.ErrNotFound {
		live := uint64(0)
		it := s.lvl.NewIterator(util.BytesPrefix(rowPrefix), nil)
		for it.Next() {
			row, err := decodeRow(it.Value())
			if err == nil && Status(row.Status) == StatusQueued {
				live++
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
		if err := s.lvl.Put(liveRowsKey, encodeRowID(live), nil); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and releases the underlying database.
func (s *Store) Close() {
	close(s.quit)
	if err := s.lvl.Close(); err != nil {
		s.log.Error("Failed to close queue store", "err", err)
	}
}

func (s *Store) nowMillis() uint64 {
	return uint64(int64(s.clock.Now()) / int64(time.Millisecond))
}

func (s *Store) fetchUint64(key []byte) uint64 {
	blob, err := s.lvl.Get(key, nil)
	if err != nil {
		return 0
	}
	return decodeRowID(blob)
}

func encodeRow(row *queueRow) ([]byte, error) {
	row.Envelope = snappy.Encode(nil, row.Envelope)
	return rlp.EncodeToBytes(row)
}

func decodeRow(blob []byte) (*queueRow, error) {
	row := new(queueRow)
	if err := rlp.DecodeBytes(blob, row); err != nil {
		return nil, err
	}
	env, err := snappy.Decode(nil, row.Envelope)
	if err != nil {
		return nil, err
	}
	row.Envelope = env
	return row, nil
}

func (row *queueRow) entry(id uint64) *Entry {
	return &Entry{
		RowID:      id,
		MsgID:      row.MsgID,
		Envelope:   row.Envelope,
		TTL:        int(row.TTL),
		Retries:    int(row.Retries),
		Status:     Status(row.Status),
		Delivered:  row.Delivered,
		LastUpdate: time.Unix(0, int64(row.LastUpdate)*int64(time.Millisecond)),
	}
}

// Enqueue inserts a new queued row for the envelope, whose canonical JSON
// encoding the caller already holds. It returns the allocated row id,
// ErrDuplicate if the msg_id was ever accepted before, or ErrQueueFull when
// the live queue is at capacity.
func (s *Store) Enqueue(env *envelope.Envelope, canonical []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgID := env.Header.MsgID
	if _, err := s.lvl.Get(msgIdxKey(msgID), nil); err == nil {
		return 0, ErrDuplicate
	} else if err != leveldb.ErrNotFound {
		return 0, err
	}
	live := s.fetchUint64(liveRowsKey)
	if live >= uint64(s.cfg.MaxQueueSize) {
		return 0, ErrQueueFull
	}
	id := s.fetchUint64(lastRowKey) + 1

	enc, err := encodeRow(&queueRow{
		MsgID:      msgID,
		Envelope:   canonical,
		TTL:        uint32(env.Header.TTL),
		Status:     uint8(StatusQueued),
		LastUpdate: s.nowMillis(),
	})
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	batch.Put(rowKey(id), enc)
	batch.Put(msgIdxKey(msgID), encodeRowID(id))
	batch.Put(lastRowKey, encodeRowID(id))
	batch.Put(liveRowsKey, encodeRowID(live+1))
	if err := s.lvl.Write(batch, nil); err != nil {
		return 0, err
	}
	enqueueMeter.Mark(1)
	queuedGauge.Update(int64(live + 1))
	return id, nil
}

// HasMsg reports whether a msg_id was ever accepted into the queue.
func (s *Store) HasMsg(msgID string) bool {
	_, err := s.lvl.Get(msgIdxKey(msgID), nil)
	return err == nil
}

// Get returns the row with the given id.
func (s *Store) Get(rowID uint64) (*Entry, error) {
	blob, err := s.lvl.Get(rowKey(rowID), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	row, err := decodeRow(blob)
	if err != nil {
		return nil, err
	}
	return row.entry(rowID), nil
}

// Outgoing returns up to limit queued rows in FIFO order. A non-positive
// limit returns all queued rows.
func (s *Store) Outgoing(limit int) ([]*Entry, error) {
	snap, err := s.lvl.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	var entries []*Entry
	it := snap.NewIterator(util.BytesPrefix(rowPrefix), nil)
	defer it.Release()
	for it.Next() {
		row, err := decodeRow(it.Value())
		if err != nil {
			s.log.Warn("Skipping undecodable queue row", "key", it.Key(), "err", err)
			continue
		}
		if Status(row.Status) != StatusQueued {
			continue
		}
		entries = append(entries, row.entry(decodeRowID(bytes.TrimPrefix(it.Key(), rowPrefix))))
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, it.Error()
}

// Rows returns up to limit rows of any status in FIFO order, for debugging.
func (s *Store) Rows(limit int) ([]*Entry, error) {
	snap, err := s.lvl.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	var entries []*Entry
	it := snap.NewIterator(util.BytesPrefix(rowPrefix), nil)
	defer it.Release()
	for it.Next() {
		row, err := decodeRow(it.Value())
		if err != nil {
			continue
		}
		entries = append(entries, row.entry(decodeRowID(bytes.TrimPrefix(it.Key(), rowPrefix))))
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, it.Error()
}

// mutateRow loads a row, applies fn and writes it back together with the
// live counter delta, all under the store mutex.
func (s *Store) mutateRow(rowID uint64, fn func(*queueRow) (liveDelta int, apply bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.lvl.Get(rowKey(rowID), nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	row, err := decodeRow(blob)
	if err != nil {
		return err
	}
	delta, apply := fn(row)
	if !apply {
		return nil
	}
	row.LastUpdate = s.nowMillis()
	enc, err := encodeRow(row)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(rowKey(rowID), enc)
	if delta != 0 {
		live := int64(s.fetchUint64(liveRowsKey)) + int64(delta)
		if live < 0 {
			live = 0
		}
		batch.Put(liveRowsKey, encodeRowID(uint64(live)))
		queuedGauge.Update(live)
	}
	return s.lvl.Write(batch, nil)
}

// MarkDelivered moves a queued row to the delivered state. Rows already in a
// terminal state are left untouched, so delivery acknowledgements are
// idempotent and may race retries.
func (s *Store) MarkDelivered(rowID uint64) error {
	applied := false
	err := s.mutateRow(rowID, func(row *queueRow) (int, bool) {
		if Status(row.Status).Terminal() {
			return 0, false
		}
		row.Status = uint8(StatusDelivered)
		row.Delivered = true
		applied = true
		return -1, true
	})
	if err == nil && applied {
		deliveredMeter.Mark(1)
	}
	return err
}

// Drop moves a queued row to the given terminal drop state. Delivered is not
// a drop; use MarkDelivered. Terminal rows are left untouched.
func (s *Store) Drop(rowID uint64, status Status) error {
	if !status.Terminal() || status == StatusDelivered {
		return errors.New("routerdb: not a drop status")
	}
	applied := false
	err := s.mutateRow(rowID, func(row *queueRow) (int, bool) {
		if Status(row.Status).Terminal() {
			return 0, false
		}
		row.Status = uint8(status)
		applied = true
		return -1, true
	})
	if err == nil && applied {
		droppedMeter.Mark(1)
	}
	return err
}

// BumpRetry increments the retry counter of a queued row and refreshes its
// last-update time, returning the new count. Terminal rows are not changed.
func (s *Store) BumpRetry(rowID uint64) (int, error) {
	retries, applied := 0, false
	err := s.mutateRow(rowID, func(row *queueRow) (int, bool) {
		if Status(row.Status).Terminal() {
			retries = int(row.Retries)
			return 0, false
		}
		row.Retries++
		retries = int(row.Retries)
		applied = true
		return 0, true
	})
	if err == nil && applied {
		retryMeter.Mark(1)
	}
	return retries, err
}

// QueueLen returns the number of rows currently queued.
func (s *Store) QueueLen() int {
	return int(s.fetchUint64(liveRowsKey))
}

// QueueStats summarizes the queue over its whole history. Retries count
// attempts across all rows, terminal ones included.
type QueueStats struct {
	Queued    uint64 `json:"total_queued"`
	Retries   uint64 `json:"total_retries"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats scans the queue and tallies it by status.
func (s *Store) Stats() (QueueStats, error) {
	stats := QueueStats{Queued: s.fetchUint64(liveRowsKey)}

	it := s.lvl.NewIterator(util.BytesPrefix(rowPrefix), nil)
	defer it.Release()
	for it.Next() {
		row, err := decodeRow(it.Value())
		if err != nil {
			continue
		}
		stats.Retries += uint64(row.Retries)
		switch Status(row.Status) {
		case StatusDelivered:
			stats.Delivered++
		case StatusTTLExpired, StatusMaxRetries, StatusInvalidEnvelope:
			stats.Dropped++
		}
	}
	return stats, it.Error()
}

// Seen records msgID in the replay log and reports whether it was already
// present and fresh. Entries older than ReplayTTL count as unseen and are
// re-armed. The check and the insert are atomic under the store mutex, so
// concurrent callers observe at most one "unseen" per msg_id and TTL window.
func (s *Store) Seen(msgID string) bool {
	s.ensureExpirer()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := uint64(int64(s.clock.Now()) / int64(time.Second))
	blob, err := s.lvl.Get(replayKey(msgID), nil)
	if err == nil {
		seenAt := decodeRowID(blob)
		if now < seenAt+uint64(s.cfg.ReplayTTL/time.Second) {
			return true
		}
	}
	if err := s.lvl.Put(replayKey(msgID), encodeRowID(now), nil); err != nil {
		s.log.Warn("Failed to record replay entry", "msg", envelope.ShortID(msgID), "err", err)
	}
	return false
}

// Forget drops the replay record of msgID, re-arming its next sighting. It
// rolls back a Seen whose follow-up admission failed.
func (s *Store) Forget(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lvl.Delete(replayKey(msgID), nil); err != nil {
		s.log.Warn("Failed to drop replay entry", "msg", envelope.ShortID(msgID), "err", err)
	}
}

// ReplayCount returns the number of replay entries still inside their TTL.
func (s *Store) ReplayCount() int {
	now := uint64(int64(s.clock.Now()) / int64(time.Second))
	ttl := uint64(s.cfg.ReplayTTL / time.Second)

	count := 0
	it := s.lvl.NewIterator(util.BytesPrefix(replayPrefix), nil)
	defer it.Release()
	for it.Next() {
		if now < decodeRowID(it.Value())+ttl {
			count++
		}
	}
	return count
}

// ensureExpirer starts the replay expiry goroutine on first use. Starting it
// lazily keeps one-shot tools and tests from spinning up the ticker.
func (s *Store) ensureExpirer() {
	s.runner.Do(func() { go s.expirer() })
}

func (s *Store) expirer() {
	tick := time.NewTicker(replayCleanupCycle)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			s.expireReplays()
		case <-s.quit:
			return
		}
	}
}

// expireReplays sweeps replay entries whose TTL has lapsed.
func (s *Store) expireReplays() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := uint64(int64(s.clock.Now()) / int64(time.Second))
	ttl := uint64(s.cfg.ReplayTTL / time.Second)

	pruned := 0
	it := s.lvl.NewIterator(util.BytesPrefix(replayPrefix), nil)
	defer it.Release()
	for it.Next() {
		if seenAt := decodeRowID(it.Value()); now >= seenAt+ttl {
			if err := s.lvl.Delete(append([]byte{}, it.Key()...), nil); err == nil {
				pruned++
			}
		}
	}
	if pruned > 0 {
		replayPruneMeter.Mark(int64(pruned))
		s.log.Debug("Pruned replay log", "entries", pruned)
	}
}
