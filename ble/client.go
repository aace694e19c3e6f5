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

// Package ble talks to the BLE adapter process that owns the actual radio
// link. The routing core hands chunks over HTTP and treats the adapter as a
// black box: anything but an explicit "queued" answer is a send failure the
// forwarder may retry.
package ble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openmesh-lab/meshrouter/envelope"
)

// SendPath is the adapter endpoint accepting outbound chunks.
const SendPath = "/v1/ble/send_chunk"

// maxResponseBytes caps how much of an adapter reply is read.
const maxResponseBytes = 1 << 20

// ErrNotQueued is returned when the adapter answered 200 but did not accept
// the chunk for transmission.
var ErrNotQueued = errors.New("ble: adapter did not queue the chunk")

// StatusError is returned for non-200 adapter replies.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ble: adapter returned status %d", e.StatusCode)
}

// SendRequest is the wire form of an outbound chunk handoff.
type SendRequest struct {
	Chunk      json.RawMessage `json:"chunk"`
	TargetPeer string          `json:"target_peer"`
}

// SendResponse is the adapter's answer.
type SendResponse struct {
	Queued     bool `json:"queued"`
	EstimateMS int  `json:"estimate_ms"`
}

// Config points the client at an adapter.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"-"`

	Logger log.Logger `yaml:"-"`
}

// DefaultConfig holds the adapter client defaults.
var DefaultConfig = Config{
	URL:     "http://127.0.0.1:8765",
	Timeout: 5 * time.Second,
}

// Client is a thin HTTP client for the adapter.
type Client struct {
	url string
	cli *http.Client
	log log.Logger
}

// NewClient creates an adapter client. The timeout bounds each send unless
// the caller's context is tighter.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultConfig.URL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Client{
		url: cfg.URL,
		cli: &http.Client{Timeout: cfg.Timeout},
		log: cfg.Logger.New("ble", cfg.URL),
	}
}

// SendChunk hands one envelope to the adapter for transmission to the target
// peer. Success requires HTTP 200 and an explicit queued acknowledgement;
// adapters that soft-fail with 200 are treated as send failures.
func (c *Client) SendChunk(ctx context.Context, env *envelope.Envelope, targetPeer string) error {
	chunk, err := env.Encode()
	if err != nil {
		return err
	}
	body, err := json.Marshal(SendRequest{Chunk: chunk, TargetPeer: targetPeer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+SendPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Debug("Adapter rejected chunk", "status", resp.StatusCode, "chunk", env.Summary())
		return &StatusError{StatusCode: resp.StatusCode}
	}
	var out SendResponse
	if err := json.Unmarshal(blob, &out); err != nil {
		return fmt.Errorf("ble: malformed adapter response: %v", err)
	}
	if !out.Queued {
		return ErrNotQueued
	}
	return nil
}
