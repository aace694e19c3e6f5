// Copyright 2025 The meshrouter Authors
// This file is part of meshrouter.
//
// meshrouter is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// meshrouter is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with meshrouter. If not, see <http://www.gnu.org/licenses/>.

// mockble is a stand-in for the BLE adapter daemon. It accepts send_chunk
// requests, optionally fails every Nth send and answers the way the real
// adapter would, so the router can be exercised without a radio.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/openmesh-lab/meshrouter/ble"
	"github.com/openmesh-lab/meshrouter/envelope"
)

var (
	addrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Listening address",
		Value: "127.0.0.1:8765",
	}
	failEveryFlag = &cli.IntFlag{
		Name:  "fail-every",
		Usage: "Fail every Nth send with 503 to exercise retries (0 disables)",
	}
	latencyFlag = &cli.IntFlag{
		Name:  "latency-ms",
		Usage: "Artificial per-send latency in milliseconds",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

var app = &cli.App{
	Name:   "mockble",
	Usage:  "mock BLE adapter for exercising the mesh router",
	Flags:  []cli.Flag{addrFlag, failEveryFlag, latencyFlag, verbosityFlag},
	Action: run,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type mock struct {
	log       log.Logger
	failEvery int
	latency   time.Duration

	mu    sync.Mutex
	sends int
}

func run(ctx *cli.Context) error {
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, usecolor))
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))

	m := &mock{
		log:       log.Root().New("adapter", "mock"),
		failEvery: ctx.Int(failEveryFlag.Name),
		latency:   time.Duration(ctx.Int(latencyFlag.Name)) * time.Millisecond,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ble.SendPath, m.handleSend)

	srv := &http.Server{
		Addr:              ctx.String(addrFlag.Name),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-interrupt
		m.log.Warn("Shutting down mock adapter")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	m.log.Info("Mock BLE adapter listening", "addr", srv.Addr, "failevery", m.failEvery, "latency", m.latency)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *mock) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_INPUT", "POST only")
		return
	}
	var req ble.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	env, err := envelope.Decode(req.Chunk)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := env.Validate(0); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	m.mu.Lock()
	m.sends++
	n := m.sends
	m.mu.Unlock()

	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	if m.failEvery > 0 && n%m.failEvery == 0 {
		m.log.Warn("Simulated radio failure", "send", n, "chunk", env.Summary())
		writeError(w, http.StatusServiceUnavailable, "BLE_UNAVAILABLE", "simulated radio failure")
		return
	}

	m.log.Info("Chunk accepted", "send", n, "target", envelope.ShortID(req.TargetPeer), "chunk", env.Summary())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ble.SendResponse{Queued: true, EstimateMS: 150})
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":      code,
			"detail":    detail,
			"retryable": status == http.StatusServiceUnavailable,
		},
	})
}
