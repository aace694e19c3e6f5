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

// Package router exposes the store-and-forward core over a local HTTP API
// and runs the background loop that pushes queued chunks to the BLE adapter.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/openmesh-lab/meshrouter/auth"
	"github.com/openmesh-lab/meshrouter/envelope"
	"github.com/openmesh-lab/meshrouter/ids"
	"github.com/openmesh-lab/meshrouter/params"
	"github.com/openmesh-lab/meshrouter/routerdb"
)

var (
	enqueueAcceptedMeter = metrics.NewRegisteredMeter("router/api/enqueue/accepted", nil)
	enqueueDroppedMeter  = metrics.NewRegisteredMeter("router/api/enqueue/dropped", nil)
	ingressAcceptedMeter = metrics.NewRegisteredMeter("router/api/ingress/accepted", nil)
	ingressDroppedMeter  = metrics.NewRegisteredMeter("router/api/ingress/dropped", nil)
	authFailureMeter     = metrics.NewRegisteredMeter("router/api/auth/failure", nil)
)

// Relay decisions reported to the BLE layer on accepted chunks.
const (
	actionForward = "forward"
	actionFinal   = "final"
	actionDrop    = "drop"
)

// Server is the device-local ingress API. Every route except health requires
// device credentials; the debug routes additionally answer 404 unless
// DebugMode is set.
type Server struct {
	cfg    Config
	log    log.Logger
	store  *routerdb.Store
	engine *ids.Engine
	audit  *ids.AuditLog
	creds  *auth.Registry

	router  *httprouter.Router
	handler http.Handler
	maxBody int64
}

// NewServer wires the ingress routes. store, engine and creds must be
// non-nil; audit may be nil when the suspicious log is disabled.
func NewServer(cfg Config, store *routerdb.Store, engine *ids.Engine, audit *ids.AuditLog, creds *auth.Registry) *Server {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger.New("api", "router"),
		store:  store,
		engine: engine,
		audit:  audit,
		creds:  creds,
		router: httprouter.New(),
		// Envelope wrapper and link metadata ride on top of the ciphertext.
		maxBody: int64(cfg.MaxCiphertextBytes) + 64*1024,
	}

	s.POST("/v1/router/enqueue", s.authed(s.handleEnqueue))
	s.POST("/v1/router/on_chunk_received", s.authed(s.handleChunkReceived))
	s.POST("/v1/router/mark_delivered", s.authed(s.handleMarkDelivered))
	s.GET("/v1/router/outgoing_chunks", s.authed(s.handleOutgoingChunks))
	s.GET("/v1/router/stats", s.debugOnly(s.authed(s.handleStats)))
	s.GET("/v1/router/queue_debug", s.debugOnly(s.authed(s.handleQueueDebug)))
	s.GET("/v1/router/ids_log_tail", s.debugOnly(s.authed(s.handleIDSLogTail)))
	s.GET("/v1/router/health", s.handleHealth)
	if cfg.DebugMode {
		s.router.Handler(http.MethodGet, "/debug/metrics", exp.ExpHandler(metrics.DefaultRegistry))
	}

	s.handler = newCorsHandler(s.router, cfg.CORSOrigins)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.handler.ServeHTTP(w, req)
}

func (s *Server) GET(path string, handle http.HandlerFunc) {
	s.router.GET(path, s.wrapHandler(handle))
}

func (s *Server) POST(path string, handle http.HandlerFunc) {
	s.router.POST(path, s.wrapHandler(handle))
}

func (s *Server) wrapHandler(handle http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if req.Body != nil {
			req.Body = http.MaxBytesReader(w, req.Body, s.maxBody)
		}
		handle(w, req)
	}
}

// authed rejects requests before the handler runs: 429 when the caller is
// over the pre-auth attempt budget, 401 when the device credentials do not
// verify. Failed verifications feed the suspicious log.
func (s *Server) authed(handle http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ip := remoteIP(req)
		if !s.engine.AllowAuth(ip) {
			s.Error(w, http.StatusTooManyRequests, CodeUnauthorized, "too many authentication attempts", true)
			return
		}
		fp := req.Header.Get(auth.FingerprintHeader)
		token := req.Header.Get(auth.TokenHeader)
		if !s.creds.Verify(fp, token) {
			authFailureMeter.Mark(1)
			peer := fp
			if peer == "" {
				peer = ip
			}
			s.engine.LogSuspicious(ids.EventAuthFailed, peer, "", "device credential rejected", map[string]interface{}{"link_peer": ip})
			s.Error(w, http.StatusUnauthorized, CodeUnauthorized, "invalid device credentials", false)
			return
		}
		handle(w, req)
	}
}

func (s *Server) debugOnly(handle http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !s.cfg.DebugMode {
			s.Error(w, http.StatusNotFound, CodeNotFound, "not found", false)
			return
		}
		handle(w, req)
	}
}

func (s *Server) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) Error(w http.ResponseWriter, status int, code, detail string, retryable bool) {
	s.JSON(w, status, errorBody{Error: apiError{Code: code, Detail: detail, Retryable: retryable}})
}

func (s *Server) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.Error(w, http.StatusRequestEntityTooLarge, CodeInvalidInput, "request body too large", false)
		} else {
			s.Error(w, http.StatusBadRequest, CodeInvalidInput, "unreadable request body", false)
		}
		return nil, false
	}
	return body, true
}

type enqueueResponse struct {
	Queued bool   `json:"queued"`
	MsgID  string `json:"msg_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleEnqueue accepts a locally composed chunk into the durable queue.
// Admission failures that the sender cannot fix by retrying (stale or
// duplicate traffic) are reported as queued:false with a reason rather than
// as errors.
func (s *Server) handleEnqueue(w http.ResponseWriter, req *http.Request) {
	body, ok := s.readBody(w, req)
	if !ok {
		return
	}
	env, err := envelope.Decode(body)
	if err != nil {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, err.Error(), false)
		return
	}
	if !env.HasTTL() {
		env.SetTTL(s.cfg.TTLDefault)
	}
	if err := env.Validate(s.cfg.MaxCiphertextBytes); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, envelope.ErrCiphertextTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.Error(w, status, CodeInvalidInput, err.Error(), false)
		return
	}
	if ttl := env.Header.TTL; ttl < s.cfg.TTLMin || ttl > s.cfg.MaxTTL {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, fmt.Sprintf("ttl %d outside [%d, %d]", ttl, s.cfg.TTLMin, s.cfg.MaxTTL), false)
		return
	}
	now := time.Now().Unix()
	if env.Header.Ts > now+int64(s.cfg.MaxSkew/time.Second) {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, "timestamp too far in the future", false)
		return
	}
	if now-env.Header.Ts > int64(s.cfg.MaxAge/time.Second) {
		enqueueDroppedMeter.Mark(1)
		s.JSON(w, http.StatusOK, enqueueResponse{Queued: false, Reason: "too_old"})
		return
	}
	msgID := env.Header.MsgID
	if s.engine.IsDuplicate(msgID) {
		enqueueDroppedMeter.Mark(1)
		s.JSON(w, http.StatusOK, enqueueResponse{Queued: false, Reason: "duplicate"})
		return
	}
	canonical, err := env.Encode()
	if err != nil {
		s.engine.Forget(msgID)
		s.Error(w, http.StatusInternalServerError, CodeInternal, "envelope re-encode failed", false)
		return
	}
	if _, err := s.store.Enqueue(env, canonical); err != nil {
		switch {
		case errors.Is(err, routerdb.ErrDuplicate):
			enqueueDroppedMeter.Mark(1)
			s.JSON(w, http.StatusOK, enqueueResponse{Queued: false, Reason: "duplicate"})
		case errors.Is(err, routerdb.ErrQueueFull):
			// The duplicate check above already recorded the msg_id; undo
			// that, or the retry this 503 invites would be refused as a
			// duplicate and the message lost.
			s.engine.Forget(msgID)
			s.Error(w, http.StatusServiceUnavailable, CodeDBError, "queue at capacity", true)
		default:
			s.engine.Forget(msgID)
			s.log.Error("Queue write failed", "msg", envelope.ShortID(msgID), "err", err)
			s.Error(w, http.StatusInternalServerError, CodeDBError, "queue write failed", false)
		}
		return
	}
	enqueueAcceptedMeter.Mark(1)
	s.log.Debug("Chunk enqueued", "chunk", env.Summary())
	s.JSON(w, http.StatusOK, enqueueResponse{Queued: true, MsgID: env.Header.MsgID})
}

type chunkReceivedRequest struct {
	Chunk    json.RawMessage        `json:"chunk"`
	LinkMeta map[string]interface{} `json:"link_meta"`
}

// linkPeer returns the radio-level peer identifier, if the adapter supplied
// one. It is never used for policy decisions, only for audit context.
func (r *chunkReceivedRequest) linkPeer() string {
	if v, ok := r.LinkMeta["peer"].(string); ok {
		return v
	}
	return ""
}

func (r *chunkReceivedRequest) auditExtra() map[string]interface{} {
	if len(r.LinkMeta) == 0 {
		return nil
	}
	extra := make(map[string]interface{}, 2)
	if p := r.linkPeer(); p != "" {
		extra["link_peer"] = p
	}
	if v, ok := r.LinkMeta["rssi"]; ok {
		extra["rssi"] = v
	}
	return extra
}

type ingressResponse struct {
	Accepted bool   `json:"accepted"`
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
}

// handleChunkReceived admits a chunk heard on the radio. The checks run in a
// fixed order: envelope shape, timestamp sanity, TTL, duplicate suppression,
// then the sender rate limit, so that malformed traffic never consumes rate
// budget. Policy drops answer 200 with action "drop"; only malformed or
// expired chunks produce error statuses.
func (s *Server) handleChunkReceived(w http.ResponseWriter, req *http.Request) {
	body, ok := s.readBody(w, req)
	if !ok {
		return
	}
	var in chunkReceivedRequest
	if err := json.Unmarshal(body, &in); err != nil || len(in.Chunk) == 0 {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, "missing chunk payload", false)
		return
	}
	extra := in.auditExtra()
	linkPeer := in.linkPeer()
	if linkPeer == "" {
		linkPeer = "unknown"
	}

	env, err := envelope.Decode(in.Chunk)
	if err != nil {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventInvalidEnvelope, linkPeer, "", err.Error(), extra)
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, err.Error(), false)
		return
	}
	// Relayed chunks must carry an explicit TTL; defaulting is only for
	// locally composed messages.
	if !env.HasTTL() {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventInvalidEnvelope, env.Header.SenderFP, env.Header.MsgID, "relayed chunk without ttl", extra)
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, "missing required field 'ttl' in header", false)
		return
	}
	if err := env.Validate(s.cfg.MaxCiphertextBytes); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, envelope.ErrCiphertextTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventInvalidEnvelope, env.Header.SenderFP, env.Header.MsgID, err.Error(), extra)
		s.Error(w, status, CodeInvalidInput, err.Error(), false)
		return
	}
	sender, msgID := env.Header.SenderFP, env.Header.MsgID
	now := time.Now().Unix()
	if env.Header.Ts > now+int64(s.cfg.MaxSkew/time.Second) {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventInvalidEnvelope, sender, msgID, "timestamp too far in the future", extra)
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, "timestamp too far in the future", false)
		return
	}
	if now-env.Header.Ts > int64(s.cfg.MaxAge/time.Second) {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventReplay, sender, msgID, "message older than relay horizon", extra)
		s.JSON(w, http.StatusOK, ingressResponse{Accepted: false, Action: actionDrop, Reason: "too_old"})
		return
	}
	if env.Header.TTL <= 0 {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventTTLExpired, sender, msgID, "ttl exhausted at ingress", extra)
		s.Error(w, http.StatusGone, CodeTTLExpired, "chunk ttl exhausted", false)
		return
	}
	if env.Header.TTL > s.cfg.MaxTTL {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventInvalidEnvelope, sender, msgID, fmt.Sprintf("ttl %d above relay maximum %d", env.Header.TTL, s.cfg.MaxTTL), extra)
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, "ttl above relay maximum", false)
		return
	}
	if env.Routing.DupSuppress && s.engine.IsDuplicate(msgID) {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventDuplicate, sender, msgID, "duplicate chunk suppressed", extra)
		s.JSON(w, http.StatusOK, ingressResponse{Accepted: false, Action: actionDrop, Reason: "duplicate"})
		return
	}
	if s.engine.IsRateLimited(sender) {
		ingressDroppedMeter.Mark(1)
		s.engine.LogSuspicious(ids.EventRateLimit, sender, msgID, "sender over message budget", extra)
		s.JSON(w, http.StatusOK, ingressResponse{Accepted: false, Action: actionDrop, Reason: "rate_limited"})
		return
	}
	ingressAcceptedMeter.Mark(1)
	action := actionFinal
	if s.cfg.ForwardingEnabled {
		action = actionForward
		if s.cfg.ForwardingInternalEnqueue {
			s.requeue(env)
		}
	}
	s.log.Debug("Chunk accepted", "action", action, "chunk", env.Summary())
	s.JSON(w, http.StatusOK, ingressResponse{Accepted: true, Action: action})
}

// requeue puts an accepted relay chunk back on the local queue so the
// forwarder pushes it onward. Conflicts do not change the ingress response;
// a duplicate row just means another path already queued the same message.
func (s *Server) requeue(env *envelope.Envelope) {
	canonical, err := env.Encode()
	if err != nil {
		s.log.Error("Relay re-encode failed", "chunk", env.Summary(), "err", err)
		return
	}
	if _, err := s.store.Enqueue(env, canonical); err != nil {
		switch {
		case errors.Is(err, routerdb.ErrDuplicate):
			s.engine.LogSuspicious(ids.EventDuplicate, env.Header.SenderFP, env.Header.MsgID, "relay re-enqueue conflict", nil)
		default:
			s.log.Warn("Relay enqueue failed", "chunk", env.Summary(), "err", err)
		}
	}
}

type markDeliveredRequest struct {
	RowID *uint64 `json:"row_id"`
}

// handleMarkDelivered settles a queue row after the recipient acknowledged
// it out of band. Unknown rows are treated as already settled.
func (s *Server) handleMarkDelivered(w http.ResponseWriter, req *http.Request) {
	body, ok := s.readBody(w, req)
	if !ok {
		return
	}
	var in markDeliveredRequest
	if err := json.Unmarshal(body, &in); err != nil || in.RowID == nil {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, "missing row_id", false)
		return
	}
	if err := s.store.MarkDelivered(*in.RowID); err != nil && !errors.Is(err, routerdb.ErrNotFound) {
		s.Error(w, http.StatusInternalServerError, CodeDBError, "queue update failed", false)
		return
	}
	s.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type outgoingItem struct {
	RowID      uint64          `json:"row_id"`
	TargetPeer string          `json:"target_peer"`
	Chunk      json.RawMessage `json:"chunk"`
}

type outgoingResponse struct {
	Items []outgoingItem `json:"items"`
	Count int            `json:"count"`
}

// handleOutgoingChunks lists queued rows in FIFO order for adapters that
// poll instead of being pushed to.
func (s *Server) handleOutgoingChunks(w http.ResponseWriter, req *http.Request) {
	limit, err := queryLimit(req, 50, 500)
	if err != nil {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, err.Error(), false)
		return
	}
	entries, err := s.store.Outgoing(limit)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, CodeDBError, "queue scan failed", false)
		return
	}
	items := make([]outgoingItem, 0, len(entries))
	for _, e := range entries {
		env, err := envelope.Decode(e.Envelope)
		if err != nil {
			s.log.Warn("Skipping undecodable queue row", "row", e.RowID, "err", err)
			continue
		}
		items = append(items, outgoingItem{RowID: e.RowID, TargetPeer: env.Header.RecipientFP, Chunk: json.RawMessage(e.Envelope)})
	}
	s.JSON(w, http.StatusOK, outgoingResponse{Items: items, Count: len(items)})
}

type statsResponse struct {
	routerdb.QueueStats
	IDS ids.Stats `json:"ids"`
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	qs, err := s.store.Stats()
	if err != nil {
		s.Error(w, http.StatusInternalServerError, CodeDBError, "queue scan failed", false)
		return
	}
	s.JSON(w, http.StatusOK, statsResponse{QueueStats: qs, IDS: s.engine.Snapshot()})
}

type debugRow struct {
	*routerdb.Entry
	Chunk json.RawMessage `json:"chunk"`
}

type queueDebugResponse struct {
	Rows  []debugRow `json:"rows"`
	Count int        `json:"count"`
}

func (s *Server) handleQueueDebug(w http.ResponseWriter, req *http.Request) {
	limit, err := queryLimit(req, 100, 1000)
	if err != nil {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, err.Error(), false)
		return
	}
	rows, err := s.store.Rows(limit)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, CodeDBError, "queue scan failed", false)
		return
	}
	items := make([]debugRow, 0, len(rows))
	for _, e := range rows {
		items = append(items, debugRow{Entry: e, Chunk: json.RawMessage(e.Envelope)})
	}
	s.JSON(w, http.StatusOK, queueDebugResponse{Rows: items, Count: len(items)})
}

type idsLogResponse struct {
	Events []ids.Record `json:"events"`
	Count  int          `json:"count"`
}

func (s *Server) handleIDSLogTail(w http.ResponseWriter, req *http.Request) {
	limit, err := queryLimit(req, 50, 500)
	if err != nil {
		s.Error(w, http.StatusBadRequest, CodeInvalidInput, err.Error(), false)
		return
	}
	events := []ids.Record{}
	if s.audit != nil {
		records, err := s.audit.Tail(limit)
		if err != nil {
			s.Error(w, http.StatusInternalServerError, CodeInternal, "audit log read failed", false)
			return
		}
		events = append(events, records...)
	}
	s.JSON(w, http.StatusOK, idsLogResponse{Events: events, Count: len(events)})
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	s.JSON(w, http.StatusOK, healthResponse{OK: true, Version: params.VersionWithMeta})
}

func queryLimit(req *http.Request, def, max int) (int, error) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed limit %q", raw)
	}
	if n > max {
		return max, nil
	}
	return n, nil
}

func remoteIP(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return ip
}

// newCorsHandler enables cross origin requests only when the user opted in
// with an explicit origin list.
func newCorsHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(srv)
}
