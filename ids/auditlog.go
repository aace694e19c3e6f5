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

package ids

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Suspicious event types.
const (
	EventRateLimit       = "RATE_LIMIT"
	EventDuplicate       = "DUPLICATE"
	EventReplay          = "REPLAY"
	EventTTLExpired      = "TTL_EXPIRED"
	EventInvalidEnvelope = "INVALID_ENVELOPE"
	EventPeerBlocked     = "PEER_BLOCKED"
	EventAuthFailed      = "AUTH_FAILED"
)

// Anonymize maps an identifier to a short stable digest. Records written to
// the audit log carry only these digests: equal inputs stay correlatable
// across events, but the raw peer fingerprints and message ids cannot be
// recovered from a leaked log file.
func Anonymize(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Record is one audit log line.
type Record struct {
	Ts     time.Time              `json:"ts"`
	Event  string                 `json:"event"`
	Peer   string                 `json:"peer"`
	MsgID  string                 `json:"msg_id"`
	Detail string                 `json:"detail,omitempty"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// AuditLog is an append-only JSONL file of suspicious events. Writes are
// serialized and flushed per record; with a size cap the file rotates via
// lumberjack instead of syncing.
type AuditLog struct {
	path string

	mu sync.Mutex
	w  io.WriteCloser
	f  *os.File // non-nil for the plain, synced variant
}

// OpenAuditLog opens (or creates) the audit log at path. maxSizeMB > 0
// enables size-based rotation with a few retained backups.
func OpenAuditLog(path string, maxSizeMB int) (*AuditLog, error) {
	if maxSizeMB > 0 {
		return &AuditLog{
			path: path,
			w: &lumberjack.Logger{
				Filename:   path,
				MaxSize:    maxSizeMB,
				MaxBackups: 3,
				MaxAge:     28,
			},
		}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &AuditLog{path: path, w: f, f: f}, nil
}

// Path returns the active log file location.
func (a *AuditLog) Path() string {
	return a.path
}

// Append writes one record.
func (a *AuditLog) Append(rec Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.w.Write(append(blob, '\n')); err != nil {
		return err
	}
	if a.f != nil {
		return a.f.Sync()
	}
	return nil
}

// Tail returns the last n records from the active log file. Malformed lines
// are skipped; a log that cannot be parsed is a debugging aid, never a fault.
func (a *AuditLog) Tail(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Close releases the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Close()
}
