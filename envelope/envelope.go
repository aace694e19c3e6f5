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

// Package envelope implements the wire format for relayed message chunks.
//
// An envelope is the unit a node accepts, stores and forwards. Its payload is
// AEAD ciphertext produced by the sending peer; the routing core treats the
// ciphertext, nonce and peer fingerprints as opaque, size-bounded strings and
// never interprets them. Only the routing header (ttl, hop_count, ts) and the
// routing metadata (priority, dup_suppress) drive relay decisions.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only envelope format version this node reads or writes.
// Envelopes carrying any other version are rejected at decode time.
const Version = "1.0"

// Fingerprints are base64-encoded hashes of peer public keys. Their decoded
// length is bounded so a malformed peer cannot inflate policy state keys.
const (
	MinFingerprintBytes = 16
	MaxFingerprintBytes = 32
)

// Relay priorities. Priority is carried for downstream schedulers; the
// routing core validates membership but does not reorder on it.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// ErrInvalidEnvelope is the sentinel wrapped by all decode and validation
// failures, so callers can classify them with errors.Is.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ErrCiphertextTooLarge is the validation failure for oversized payloads. It
// wraps ErrInvalidEnvelope, so both errors.Is checks hold.
var ErrCiphertextTooLarge = fmt.Errorf("%w: ciphertext too large", ErrInvalidEnvelope)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidEnvelope}, args...)...)
}

// Envelope is a single encrypted message chunk in transit.
type Envelope struct {
	Version    string      `json:"version"`
	Header     Header      `json:"header"`
	Ciphertext string      `json:"ciphertext"`
	Chunks     ChunkInfo   `json:"chunks"`
	Routing    RoutingMeta `json:"routing"`

	// hasTTL records whether the ttl field was present on the wire, so the
	// ingress layer can distinguish "absent, apply default" from "zero".
	hasTTL bool
}

// Header carries the routing-relevant envelope fields.
type Header struct {
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	MsgID       string `json:"msg_id"`
	Nonce       string `json:"nonce"`
	TTL         int    `json:"ttl"`
	HopCount    int    `json:"hop_count"`
	Ts          int64  `json:"ts"`
}

// ChunkInfo locates this chunk within a fragmented message. Reassembly is the
// recipient's concern; the router only checks the bounds.
type ChunkInfo struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// RoutingMeta carries sender routing hints.
type RoutingMeta struct {
	Priority    string `json:"priority"`
	DupSuppress bool   `json:"dup_suppress"`
}

// Shadow structs with pointer fields let Decode tell a missing field from a
// zero value and report it by name.
type envelopeJSON struct {
	Version    *string      `json:"version"`
	Header     *headerJSON  `json:"header"`
	Ciphertext *string      `json:"ciphertext"`
	Chunks     *chunkJSON   `json:"chunks"`
	Routing    *routingJSON `json:"routing"`
}

type headerJSON struct {
	SenderFP    *string `json:"sender_fp"`
	RecipientFP *string `json:"recipient_fp"`
	MsgID       *string `json:"msg_id"`
	Nonce       *string `json:"nonce"`
	TTL         *int    `json:"ttl"`
	HopCount    *int    `json:"hop_count"`
	Ts          *int64  `json:"ts"`
}

type chunkJSON struct {
	Index *int `json:"index"`
	Total *int `json:"total"`
}

type routingJSON struct {
	Priority    *string `json:"priority"`
	DupSuppress *bool   `json:"dup_suppress"`
}

// Decode parses an envelope from its JSON wire form. Required fields that are
// missing or of the wrong JSON kind fail with a named error; unknown fields at
// any level are ignored and cannot influence routing. Decode applies the
// structural defaults (version, hop_count, chunks, routing) but performs no
// policy validation; call Validate for that.
func Decode(data []byte) (*Envelope, error) {
	var dec envelopeJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return nil, invalidf("%v", err)
	}
	env := new(Envelope)

	if dec.Version == nil {
		env.Version = Version
	} else {
		env.Version = *dec.Version
	}
	if env.Version != Version {
		return nil, invalidf("unsupported version %q", env.Version)
	}

	if dec.Header == nil {
		return nil, invalidf("missing required field 'header' in envelope")
	}
	h := dec.Header
	if h.SenderFP == nil {
		return nil, invalidf("missing required field 'sender_fp' in header")
	}
	env.Header.SenderFP = *h.SenderFP
	if h.RecipientFP == nil {
		return nil, invalidf("missing required field 'recipient_fp' in header")
	}
	env.Header.RecipientFP = *h.RecipientFP
	if h.MsgID == nil {
		return nil, invalidf("missing required field 'msg_id' in header")
	}
	env.Header.MsgID = *h.MsgID
	if h.Nonce == nil {
		return nil, invalidf("missing required field 'nonce' in header")
	}
	env.Header.Nonce = *h.Nonce
	if h.Ts == nil {
		return nil, invalidf("missing required field 'ts' in header")
	}
	env.Header.Ts = *h.Ts
	if h.TTL != nil {
		env.Header.TTL = *h.TTL
		env.hasTTL = true
	}
	if h.HopCount != nil {
		env.Header.HopCount = *h.HopCount
	}

	if dec.Ciphertext == nil {
		return nil, invalidf("missing required field 'ciphertext' in envelope")
	}
	env.Ciphertext = *dec.Ciphertext

	env.Chunks = ChunkInfo{Index: 0, Total: 1}
	if dec.Chunks != nil {
		if dec.Chunks.Index != nil {
			env.Chunks.Index = *dec.Chunks.Index
		}
		if dec.Chunks.Total != nil {
			env.Chunks.Total = *dec.Chunks.Total
		}
	}

	env.Routing = RoutingMeta{Priority: PriorityNormal, DupSuppress: true}
	if dec.Routing != nil {
		if dec.Routing.Priority != nil {
			env.Routing.Priority = *dec.Routing.Priority
		}
		if dec.Routing.DupSuppress != nil {
			env.Routing.DupSuppress = *dec.Routing.DupSuppress
		}
	}
	return env, nil
}

// HasTTL reports whether the decoded wire form carried an explicit ttl.
func (e *Envelope) HasTTL() bool {
	return e.hasTTL
}

// SetTTL sets the remaining hop budget, marking it explicit.
func (e *Envelope) SetTTL(ttl int) {
	e.Header.TTL = ttl
	e.hasTTL = true
}

// Validate checks structural and size constraints. maxCiphertext bounds the
// length of the base64-encoded ciphertext string. Validate does not enforce
// node policy (ttl windows, freshness); those depend on configuration and are
// applied by the ingress layer.
func (e *Envelope) Validate(maxCiphertext int) error {
	if e.Version != Version {
		return invalidf("unsupported version %q", e.Version)
	}
	if err := validateFingerprint("sender_fp", e.Header.SenderFP); err != nil {
		return err
	}
	if err := validateFingerprint("recipient_fp", e.Header.RecipientFP); err != nil {
		return err
	}
	if _, err := uuid.Parse(e.Header.MsgID); err != nil {
		return invalidf("malformed msg_id: %v", err)
	}
	if e.Header.Nonce == "" {
		return invalidf("empty nonce")
	}
	if _, err := base64.StdEncoding.DecodeString(e.Header.Nonce); err != nil {
		return invalidf("nonce is not valid base64")
	}
	if e.Ciphertext == "" {
		return invalidf("empty ciphertext")
	}
	if maxCiphertext > 0 && len(e.Ciphertext) > maxCiphertext {
		return fmt.Errorf("%w (limit %d bytes)", ErrCiphertextTooLarge, maxCiphertext)
	}
	if _, err := base64.StdEncoding.DecodeString(e.Ciphertext); err != nil {
		return invalidf("ciphertext is not valid base64")
	}
	if e.hasTTL && e.Header.TTL < 0 {
		return invalidf("negative ttl")
	}
	if e.Header.HopCount < 0 {
		return invalidf("negative hop_count")
	}
	if e.Header.Ts <= 0 {
		return invalidf("missing or non-positive ts")
	}
	if e.Chunks.Total < 1 {
		return invalidf("chunk total %d below 1", e.Chunks.Total)
	}
	if e.Chunks.Index < 0 || e.Chunks.Index >= e.Chunks.Total {
		return invalidf("chunk index %d outside [0,%d)", e.Chunks.Index, e.Chunks.Total)
	}
	switch e.Routing.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return invalidf("unknown priority %q", e.Routing.Priority)
	}
	return nil
}

func validateFingerprint(field, fp string) error {
	raw, err := base64.StdEncoding.DecodeString(fp)
	if err != nil {
		return invalidf("%s is not valid base64", field)
	}
	if len(raw) < MinFingerprintBytes || len(raw) > MaxFingerprintBytes {
		return invalidf("%s decodes to %d bytes, want %d..%d", field, len(raw), MinFingerprintBytes, MaxFingerprintBytes)
	}
	return nil
}

// Encode renders the canonical JSON form. The field order is fixed, so an
// envelope round-trips byte-stable through Encode and Decode. Opaque fields
// are carried verbatim and never re-encoded.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NextHop returns a copy of the envelope with the hop budget spent: ttl
// decremented and hop_count incremented. The receiver is not modified; the
// stored original keeps its ttl so a retried send rebuilds the same copy.
func (e *Envelope) NextHop() *Envelope {
	next := *e
	next.Header.TTL--
	next.Header.HopCount++
	return &next
}

// ShortID returns a log-friendly prefix of a message id.
func ShortID(msgID string) string {
	if len(msgID) > 8 {
		return msgID[:8]
	}
	return msgID
}

// Summary renders a redacted one-line description for logs: identifiers are
// truncated and the ciphertext and nonce appear only as lengths.
func (e *Envelope) Summary() string {
	return fmt.Sprintf("msg=%s dst=%s ttl=%d hop=%d prio=%s ct=%dB",
		ShortID(e.Header.MsgID), ShortID(e.Header.RecipientFP),
		e.Header.TTL, e.Header.HopCount, e.Routing.Priority, len(e.Ciphertext))
}
