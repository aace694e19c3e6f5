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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmesh-lab/meshrouter/auth"
	"github.com/openmesh-lab/meshrouter/envelope"
	"github.com/openmesh-lab/meshrouter/ids"
	"github.com/openmesh-lab/meshrouter/routerdb"
)

const testDeviceFP = "bW9iaWxlLWRldmljZS0wMDE="

type apiOpts struct {
	router Config
	ids    ids.Config
	store  routerdb.Config
}

type testAPI struct {
	t      *testing.T
	base   string
	client *http.Client
	token  string
	store  *routerdb.Store
	engine *ids.Engine
	audit  *ids.AuditLog
}

func newTestAPI(t *testing.T, opts apiOpts) *testAPI {
	t.Helper()

	store, err := routerdb.Open("", opts.store)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	audit, err := ids.OpenAuditLog(filepath.Join(t.TempDir(), "suspicious.jsonl"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	engine := ids.New(opts.ids, audit, nil)
	token, err := auth.NewToken()
	require.NoError(t, err)
	creds := auth.NewRegistry([]auth.Credential{{DeviceFP: testDeviceFP, TokenHash: auth.HashToken(token)}}, nil)

	ts := httptest.NewServer(NewServer(opts.router, store, engine, audit, creds))
	t.Cleanup(ts.Close)

	return &testAPI{
		t:      t,
		base:   ts.URL,
		client: ts.Client(),
		token:  token,
		store:  store,
		engine: engine,
		audit:  audit,
	}
}

// request sends one HTTP request with explicit headers and returns the
// status and raw body.
func (a *testAPI) request(method, path string, hdr map[string]string, body []byte) (int, []byte) {
	a.t.Helper()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, a.base+path, rd)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp.StatusCode, blob
}

// do sends an authenticated request and decodes the JSON response into out.
func (a *testAPI) do(method, path string, body []byte, out interface{}) int {
	a.t.Helper()

	status, blob := a.request(method, path, map[string]string{
		auth.FingerprintHeader: testDeviceFP,
		auth.TokenHeader:       a.token,
	}, body)
	if out != nil {
		require.NoError(a.t, json.Unmarshal(blob, out), "body: %s", blob)
	}
	return status
}

func b64bytes(n int, seed byte) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// testChunk builds a well formed chunk and lets the caller mutate the header
// or envelope maps before marshalling.
func testChunk(t *testing.T, mut func(header, env map[string]interface{})) []byte {
	t.Helper()

	header := map[string]interface{}{
		"sender_fp":    b64bytes(16, 0x20),
		"recipient_fp": b64bytes(16, 0x40),
		"msg_id":       uuid.NewString(),
		"nonce":        base64.StdEncoding.EncodeToString([]byte("0123456789ab")),
		"ttl":          3,
		"hop_count":    0,
		"ts":           time.Now().Unix(),
	}
	env := map[string]interface{}{
		"version":    "1.0",
		"header":     header,
		"ciphertext": base64.StdEncoding.EncodeToString([]byte("sealed payload bytes")),
	}
	if mut != nil {
		mut(header, env)
	}
	blob, err := json.Marshal(env)
	require.NoError(t, err)
	return blob
}

func ingressBody(t *testing.T, chunk []byte, linkMeta map[string]interface{}) []byte {
	t.Helper()

	body := map[string]interface{}{"chunk": json.RawMessage(chunk)}
	if linkMeta != nil {
		body["link_meta"] = linkMeta
	}
	blob, err := json.Marshal(body)
	require.NoError(t, err)
	return blob
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	var e errorBody
	status, blob := a.request(http.MethodPost, "/v1/router/mark_delivered", nil, []byte(`{"row_id":1}`))
	require.NoError(t, json.Unmarshal(blob, &e))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, CodeUnauthorized, e.Error.Code)
	assert.False(t, e.Error.Retryable)

	// Wrong token is rejected and lands in the suspicious log.
	status, _ = a.request(http.MethodPost, "/v1/router/mark_delivered", map[string]string{
		auth.FingerprintHeader: testDeviceFP,
		auth.TokenHeader:       "deadbeef",
	}, []byte(`{"row_id":1}`))
	assert.Equal(t, http.StatusUnauthorized, status)

	records, err := a.audit.Tail(10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, ids.EventAuthFailed, records[len(records)-1].Event)
	assert.NotContains(t, records[len(records)-1].Peer, testDeviceFP)

	// Valid credentials pass.
	status = a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthAttemptThrottle(t *testing.T) {
	a := newTestAPI(t, apiOpts{ids: ids.Config{AuthMaxAttempts: 3, AuthWindow: time.Minute}})

	bad := map[string]string{auth.FingerprintHeader: testDeviceFP, auth.TokenHeader: "nope"}
	for i := 0; i < 3; i++ {
		status, _ := a.request(http.MethodPost, "/v1/router/mark_delivered", bad, []byte(`{"row_id":1}`))
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, blob := a.request(http.MethodPost, "/v1/router/mark_delivered", bad, []byte(`{"row_id":1}`))
	assert.Equal(t, http.StatusTooManyRequests, status)

	var e errorBody
	require.NoError(t, json.Unmarshal(blob, &e))
	assert.Equal(t, CodeUnauthorized, e.Error.Code)
	assert.True(t, e.Error.Retryable)

	// The budget is spent, so even valid credentials wait.
	status = a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestEnqueueRoundTrip(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	chunk := testChunk(t, func(header, env map[string]interface{}) {
		delete(header, "ttl")
	})
	var enq enqueueResponse
	status := a.do(http.MethodPost, "/v1/router/enqueue", chunk, &enq)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, enq.Queued)
	assert.NotEmpty(t, enq.MsgID)

	var out outgoingResponse
	status = a.do(http.MethodGet, "/v1/router/outgoing_chunks", nil, &out)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, out.Count)

	item := out.Items[0]
	assert.Equal(t, uint64(1), item.RowID)
	assert.Equal(t, b64bytes(16, 0x40), item.TargetPeer)

	env, err := envelope.Decode(item.Chunk)
	require.NoError(t, err)
	assert.Equal(t, enq.MsgID, env.Header.MsgID)
	assert.Equal(t, DefaultConfig.TTLDefault, env.Header.TTL, "omitted ttl is defaulted before storage")
}

func TestEnqueueDuplicate(t *testing.T) {
	a := newTestAPI(t, apiOpts{})
	chunk := testChunk(t, nil)

	var first, second enqueueResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", chunk, &first))
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", chunk, &second))

	assert.True(t, first.Queued)
	assert.False(t, second.Queued)
	assert.Equal(t, "duplicate", second.Reason)
	assert.Equal(t, 1, a.store.QueueLen())
}

func TestEnqueueValidation(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	tests := []struct {
		name   string
		body   []byte
		status int
		detail string
	}{
		{
			name:   "garbage body",
			body:   []byte("not json"),
			status: http.StatusBadRequest,
		},
		{
			name: "missing sender",
			body: testChunk(t, func(header, env map[string]interface{}) {
				delete(header, "sender_fp")
			}),
			status: http.StatusBadRequest,
			detail: "missing required field 'sender_fp'",
		},
		{
			name: "ttl below minimum",
			body: testChunk(t, func(header, env map[string]interface{}) {
				header["ttl"] = 0
			}),
			status: http.StatusBadRequest,
			detail: "ttl",
		},
		{
			name: "ttl above maximum",
			body: testChunk(t, func(header, env map[string]interface{}) {
				header["ttl"] = DefaultConfig.MaxTTL + 1
			}),
			status: http.StatusBadRequest,
			detail: "ttl",
		},
		{
			name: "oversized ciphertext",
			body: testChunk(t, func(header, env map[string]interface{}) {
				env["ciphertext"] = strings.Repeat("A", DefaultConfig.MaxCiphertextBytes+4)
			}),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name: "timestamp from the future",
			body: testChunk(t, func(header, env map[string]interface{}) {
				header["ts"] = time.Now().Add(DefaultConfig.MaxSkew + 2*time.Minute).Unix()
			}),
			status: http.StatusBadRequest,
			detail: "future",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorBody
			status := a.do(http.MethodPost, "/v1/router/enqueue", tt.body, &e)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, CodeInvalidInput, e.Error.Code)
			if tt.detail != "" {
				assert.Contains(t, e.Error.Detail, tt.detail)
			}
		})
	}

	// A stale message is not an error, just not worth relaying.
	stale := testChunk(t, func(header, env map[string]interface{}) {
		header["ts"] = time.Now().Add(-DefaultConfig.MaxAge - 2*time.Minute).Unix()
	})
	var resp enqueueResponse
	status := a.do(http.MethodPost, "/v1/router/enqueue", stale, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Queued)
	assert.Equal(t, "too_old", resp.Reason)
	assert.Equal(t, 0, a.store.QueueLen())
}

func TestEnqueueQueueFull(t *testing.T) {
	a := newTestAPI(t, apiOpts{store: routerdb.Config{MaxQueueSize: 2}})

	for i := 0; i < 2; i++ {
		var resp enqueueResponse
		require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), &resp))
		require.True(t, resp.Queued)
	}
	var e errorBody
	status := a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), &e)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, CodeDBError, e.Error.Code)
	assert.True(t, e.Error.Retryable, "capacity pressure is worth retrying")
}

func TestEnqueueRetryAfterQueueFull(t *testing.T) {
	a := newTestAPI(t, apiOpts{store: routerdb.Config{MaxQueueSize: 1}})

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), nil))

	blocked := testChunk(t, nil)
	var e errorBody
	status := a.do(http.MethodPost, "/v1/router/enqueue", blocked, &e)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.True(t, e.Error.Retryable)

	// Delivery frees a slot. The capacity rejection must have left no trace
	// in the duplicate set, so the retry the 503 invited is accepted.
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), nil))
	var resp enqueueResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", blocked, &resp))
	assert.True(t, resp.Queued, "retry after queue-full must be accepted, got reason %q", resp.Reason)
	assert.Equal(t, 1, a.store.QueueLen())
}

func TestEnqueueAcceptsBoundaryValues(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	tests := []struct {
		name string
		mut  func(header, env map[string]interface{})
	}{
		{
			name: "ciphertext at the cap",
			mut: func(header, env map[string]interface{}) {
				env["ciphertext"] = strings.Repeat("A", DefaultConfig.MaxCiphertextBytes-4) + "AA=="
			},
		},
		{
			name: "timestamp at the skew edge",
			mut: func(header, env map[string]interface{}) {
				header["ts"] = time.Now().Add(DefaultConfig.MaxSkew).Unix()
			},
		},
		{
			name: "timestamp at the age edge",
			mut: func(header, env map[string]interface{}) {
				// Step over the next second boundary first: the header
				// timestamp has one-second granularity, so a tick between
				// here and the handler would push the age past the bound.
				now := time.Now()
				time.Sleep(now.Truncate(time.Second).Add(1050 * time.Millisecond).Sub(now))
				header["ts"] = time.Now().Add(-DefaultConfig.MaxAge).Unix()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp enqueueResponse
			status := a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, tt.mut), &resp)
			assert.Equal(t, http.StatusOK, status)
			assert.True(t, resp.Queued, "values at the limit are accepted, got reason %q", resp.Reason)
		})
	}
}

func TestChunkReceivedActions(t *testing.T) {
	// Terminal node: accepted chunks are final.
	a := newTestAPI(t, apiOpts{})
	var resp ingressResponse
	status := a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, testChunk(t, nil), nil), &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Accepted)
	assert.Equal(t, actionFinal, resp.Action)
	assert.Equal(t, 0, a.store.QueueLen())

	// Relay node: accepted chunks are forwarded and re-queued locally.
	relay := newTestAPI(t, apiOpts{router: Config{ForwardingEnabled: true, ForwardingInternalEnqueue: true}})
	chunk := testChunk(t, nil)
	status = relay.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, nil), &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Accepted)
	assert.Equal(t, actionForward, resp.Action)
	require.Equal(t, 1, relay.store.QueueLen())

	// The stored copy is byte-for-byte what arrived; the TTL only drops
	// when the forwarder actually sends it.
	rows, err := relay.store.Outgoing(0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	env, err := envelope.Decode(rows[0].Envelope)
	require.NoError(t, err)
	assert.Equal(t, 3, env.Header.TTL)
}

func TestChunkReceivedTTLPolicy(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	// Exhausted TTL is a hard stop.
	var e errorBody
	dead := testChunk(t, func(header, env map[string]interface{}) { header["ttl"] = 0 })
	status := a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, dead, nil), &e)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, CodeTTLExpired, e.Error.Code)

	records, err := a.audit.Tail(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ids.EventTTLExpired, records[0].Event)
	assert.Len(t, records[0].Peer, 16, "peer is stored as a digest prefix")

	// A TTL above the relay maximum suggests a forged header.
	greedy := testChunk(t, func(header, env map[string]interface{}) { header["ttl"] = 30 })
	status = a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, greedy, nil), &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidInput, e.Error.Code)

	// Relayed chunks must say how far they may still travel.
	bare := testChunk(t, func(header, env map[string]interface{}) { delete(header, "ttl") })
	status = a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, bare, nil), &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, e.Error.Detail, "ttl")
}

func TestChunkReceivedDuplicate(t *testing.T) {
	a := newTestAPI(t, apiOpts{})
	chunk := testChunk(t, nil)

	var resp ingressResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, nil), &resp))
	require.True(t, resp.Accepted)

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, nil), &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, actionDrop, resp.Action)
	assert.Equal(t, "duplicate", resp.Reason)

	records, err := a.audit.Tail(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ids.EventDuplicate, records[0].Event)

	// Senders may opt out of duplicate suppression for repeated beacons.
	beacon := testChunk(t, func(header, env map[string]interface{}) {
		env["routing"] = map[string]interface{}{"dup_suppress": false}
	})
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, beacon, nil), &resp))
	require.True(t, resp.Accepted)
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, beacon, nil), &resp))
	assert.True(t, resp.Accepted, "dup_suppress=false skips the duplicate check")
}

func TestChunkReceivedRateLimit(t *testing.T) {
	a := newTestAPI(t, apiOpts{ids: ids.Config{Window: 5 * time.Second, MaxPerWindow: 20}})

	var accepted, limited int
	for i := 0; i < 40; i++ {
		chunk := testChunk(t, nil) // fresh msg_id each time, same sender
		var resp ingressResponse
		require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, nil), &resp))
		if resp.Accepted {
			accepted++
		} else if resp.Reason == "rate_limited" {
			limited++
		}
	}
	assert.Equal(t, 20, accepted, "burst of 40 admits exactly the window budget")
	assert.Equal(t, 20, limited)

	records, err := a.audit.Tail(100)
	require.NoError(t, err)
	var rateEvents int
	for _, rec := range records {
		if rec.Event == ids.EventRateLimit {
			rateEvents++
		}
	}
	assert.Equal(t, 20, rateEvents)
}

func TestChunkReceivedLinkPeerIsNotPolicyKey(t *testing.T) {
	a := newTestAPI(t, apiOpts{ids: ids.Config{Window: 5 * time.Second, MaxPerWindow: 20}})

	// Thirty chunks from thirty senders arrive through the same radio
	// neighbor. None may be rate limited: the sender fingerprint, not the
	// link peer, is the policy key.
	meta := map[string]interface{}{"peer": "AA:BB:CC:DD:EE:FF", "rssi": -60}
	for i := 0; i < 30; i++ {
		chunk := testChunk(t, func(header, env map[string]interface{}) {
			header["sender_fp"] = b64bytes(16, byte(0x50+i))
		})
		var resp ingressResponse
		require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, meta), &resp))
		assert.True(t, resp.Accepted)
	}
}

func TestMarkDelivered(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	var enq enqueueResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), &enq))
	require.True(t, enq.Queued)

	var resp map[string]bool
	status := a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp["ok"])
	assert.Equal(t, 0, a.store.QueueLen())

	// Settling twice, or settling a row this node never had, is harmless.
	assert.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), &resp))
	assert.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":999}`), &resp))

	var e errorBody
	status = a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{}`), &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidInput, e.Error.Code)
}

func TestOutgoingChunksLimit(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), nil))
	}
	var out outgoingResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/router/outgoing_chunks?limit=2", nil, &out))
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, uint64(1), out.Items[0].RowID, "FIFO order")

	var e errorBody
	status := a.do(http.MethodGet, "/v1/router/outgoing_chunks?limit=bogus", nil, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidInput, e.Error.Code)
}

func TestDebugRoutesGated(t *testing.T) {
	hidden := newTestAPI(t, apiOpts{})
	for _, path := range []string{"/v1/router/stats", "/v1/router/queue_debug", "/v1/router/ids_log_tail"} {
		var e errorBody
		status := hidden.do(http.MethodGet, path, nil, &e)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, CodeNotFound, e.Error.Code, path)
	}
	status, _ := hidden.request(http.MethodGet, "/debug/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	open := newTestAPI(t, apiOpts{router: Config{DebugMode: true}})
	for _, path := range []string{"/v1/router/stats", "/v1/router/queue_debug", "/v1/router/ids_log_tail"} {
		status := open.do(http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, status, path)
	}
	status, _ = open.request(http.MethodGet, "/debug/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestStats(t *testing.T) {
	a := newTestAPI(t, apiOpts{router: Config{DebugMode: true}})

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), nil))
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), nil))
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), nil))

	var stats statsResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/router/stats", nil, &stats))
	assert.Equal(t, uint64(1), stats.Queued)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, 2, stats.IDS.TrackedMsgIDs)
}

func TestQueueDebug(t *testing.T) {
	a := newTestAPI(t, apiOpts{router: Config{DebugMode: true}})

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), nil))
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/enqueue", testChunk(t, nil), nil))
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/router/mark_delivered", []byte(`{"row_id":1}`), nil))

	var resp struct {
		Rows []struct {
			RowID  uint64          `json:"row_id"`
			MsgID  string          `json:"msg_id"`
			Status string          `json:"status"`
			Chunk  json.RawMessage `json:"chunk"`
		} `json:"rows"`
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/router/queue_debug", nil, &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "delivered", resp.Rows[0].Status)
	assert.Equal(t, "queued", resp.Rows[1].Status)
	assert.NotEmpty(t, resp.Rows[0].MsgID)
	assert.NotEmpty(t, resp.Rows[0].Chunk)

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/router/queue_debug?limit=1", nil, &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestIDSLogTail(t *testing.T) {
	a := newTestAPI(t, apiOpts{router: Config{DebugMode: true}})

	// Two suspicious events: an exhausted TTL and a duplicate.
	dead := testChunk(t, func(header, env map[string]interface{}) { header["ttl"] = 0 })
	a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, dead, map[string]interface{}{"peer": "AA:BB", "rssi": -70}), nil)
	chunk := testChunk(t, nil)
	a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, nil), nil)
	a.do(http.MethodPost, "/v1/router/on_chunk_received", ingressBody(t, chunk, nil), nil)

	var resp idsLogResponse
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/router/ids_log_tail", nil, &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, ids.EventTTLExpired, resp.Events[0].Event)
	assert.Equal(t, ids.EventDuplicate, resp.Events[1].Event)

	// Radio identifiers only appear as digest prefixes.
	require.NotNil(t, resp.Events[0].Extra)
	linkPeer, ok := resp.Events[0].Extra["link_peer"].(string)
	require.True(t, ok)
	assert.NotContains(t, linkPeer, ":")
	assert.Len(t, linkPeer, 16)

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/router/ids_log_tail?limit=1", nil, &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, ids.EventDuplicate, resp.Events[0].Event, "tail returns the most recent events")
}

func TestHealthUnauthenticated(t *testing.T) {
	a := newTestAPI(t, apiOpts{})

	status, blob := a.request(http.MethodGet, "/v1/router/health", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(blob, &resp))
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.Version)
}
