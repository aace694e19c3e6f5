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

package ble

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmesh-lab/meshrouter/envelope"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	fp := base64.StdEncoding.EncodeToString(make([]byte, 32))
	raw := fmt.Sprintf(`{
		"header": {"sender_fp": %q, "recipient_fp": %q, "msg_id": %q, "nonce": "AAAAAAAAAAAAAAAA", "ttl": 3, "ts": 1700000000},
		"ciphertext": "AAAAAAAAAAAAAAAAAAAAAA=="
	}`, fp, fp, uuid.NewString())
	env, err := envelope.Decode([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestSendChunk(t *testing.T) {
	env := testEnvelope(t)

	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, SendPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"queued": true, "estimate_ms": 150}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	require.NoError(t, c.SendChunk(context.Background(), env, env.Header.RecipientFP))

	assert.Equal(t, env.Header.RecipientFP, got.TargetPeer)
	sent, err := envelope.Decode(got.Chunk)
	require.NoError(t, err)
	assert.Equal(t, env.Header.MsgID, sent.Header.MsgID)
	assert.Equal(t, 3, sent.Header.TTL)
}

func TestSendChunkNotQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"queued": false}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	err := c.SendChunk(context.Background(), testEnvelope(t), "peer")
	assert.ErrorIs(t, err, ErrNotQueued, "a 200 without queued:true is a failure")
}

func TestSendChunkStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "adapter offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	err := c.SendChunk(context.Background(), testEnvelope(t), "peer")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestSendChunkGarbageResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `]] nonsense`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	err := c.SendChunk(context.Background(), testEnvelope(t), "peer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed adapter response")
}

func TestSendChunkContextCancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the request first; an unread body keeps the server from
		// noticing the disconnect and would hang the deferred Close.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	c := NewClient(Config{URL: srv.URL, Timeout: 10 * time.Second})
	err := c.SendChunk(ctx, testEnvelope(t), "peer")
	assert.Error(t, err, "cancelled sends fail promptly")
}
