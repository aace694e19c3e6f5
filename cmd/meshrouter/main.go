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

// meshrouter is the store-and-forward routing daemon for BLE mesh messaging.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/openmesh-lab/meshrouter/auth"
	"github.com/openmesh-lab/meshrouter/ble"
	"github.com/openmesh-lab/meshrouter/ids"
	"github.com/openmesh-lab/meshrouter/params"
	"github.com/openmesh-lab/meshrouter/router"
	"github.com/openmesh-lab/meshrouter/routerdb"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the queue database and logs",
		Value: defaultDataDir(),
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP ingress listening interface",
		Value: "127.0.0.1",
	}
	httpPortFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "HTTP ingress listening port",
		Value: 8087,
	}
	httpCORSFlag = &cli.StringFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of origins accepted for cross origin requests",
	}
	bleURLFlag = &cli.StringFlag{
		Name:  "ble.url",
		Usage: "Endpoint of the BLE adapter",
		Value: ble.DefaultConfig.URL,
	}
	forwardingFlag = &cli.BoolFlag{
		Name:  "forwarding",
		Usage: "Relay accepted chunks toward their recipient",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Expose the stats and debug endpoints",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and reporting",
	}
)

var app = &cli.App{
	Name:      "meshrouter",
	Usage:     "store-and-forward routing daemon for BLE mesh messaging",
	Version:   params.VersionWithMeta,
	Copyright: "Copyright 2025 The meshrouter Authors",
	Flags: []cli.Flag{
		configFileFlag,
		dataDirFlag,
		httpAddrFlag,
		httpPortFlag,
		httpCORSFlag,
		bleURLFlag,
		forwardingFlag,
		debugFlag,
		verbosityFlag,
		logJSONFlag,
		metricsFlag,
	},
	Action: run,
	Commands: []*cli.Command{
		versionCommand,
		credsCommand,
	},
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version numbers",
	Action: func(ctx *cli.Context) error {
		fmt.Println("meshrouter")
		fmt.Println("Version:", params.VersionWithMeta)
		fmt.Println("Architecture:", runtime.GOARCH)
		fmt.Println("Go Version:", runtime.Version())
		fmt.Println("Operating System:", runtime.GOOS)
		return nil
	},
}

var credsCommand = &cli.Command{
	Name:  "creds",
	Usage: "Manage device credentials",
	Subcommands: []*cli.Command{
		{
			Name:  "new",
			Usage: "Generate a device token and the hash to register for it",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "fp",
					Usage:    "Device fingerprint the credential is bound to",
					Required: true,
				},
			},
			Action: newCredential,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(ctx *cli.Context) {
	var glogger *log.GlogHandler
	if ctx.Bool(logJSONFlag.Name) {
		glogger = log.NewGlogHandler(log.JSONHandler(os.Stderr))
	} else {
		usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
		glogger = log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, usecolor))
	}
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
}

func run(ctx *cli.Context) error {
	setupLogger(ctx)

	if ctx.Bool(metricsFlag.Name) {
		metrics.Enabled = true
	}
	go metrics.CollectProcessMetrics(3 * time.Second)

	cfg, err := loadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(ctx, &cfg)
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	store, err := routerdb.Open(filepath.Join(cfg.DataDir, "queue"), cfg.storeConfig())
	if err != nil {
		return fmt.Errorf("open queue store: %v", err)
	}
	defer store.Close()

	audit, err := ids.OpenAuditLog(cfg.auditLogPath(), cfg.IDS.LogMaxSizeMB)
	if err != nil {
		return fmt.Errorf("open suspicious log: %v", err)
	}
	defer audit.Close()

	var replay ids.ReplayStore
	if cfg.persistReplay() {
		replay = store
	}
	engine := ids.New(cfg.idsConfig(), audit, replay)

	quit := make(chan struct{})
	defer close(quit)
	registry, err := buildRegistry(cfg, quit)
	if err != nil {
		return err
	}

	svc := router.NewService(cfg.routerConfig(), store, engine, audit, registry, ble.NewClient(cfg.bleConfig()))
	if err := svc.Start(net.JoinHostPort(cfg.HTTP.Addr, strconv.Itoa(cfg.HTTP.Port))); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	<-interrupt
	log.Warn("Shutting down meshrouter (interrupt again to force)")
	go func() {
		<-interrupt
		log.Error("Forced shutdown")
		os.Exit(1)
	}()
	return svc.Stop()
}

func buildRegistry(cfg fileConfig, quit <-chan struct{}) (*auth.Registry, error) {
	if cfg.Auth.CredentialsFile != "" {
		creds, err := auth.LoadCredentials(cfg.Auth.CredentialsFile)
		if err != nil {
			return nil, err
		}
		registry := auth.NewRegistry(creds, log.Root())
		if err := registry.Watch(cfg.Auth.CredentialsFile, quit); err != nil {
			log.Warn("Credential hot reload unavailable", "err", err)
		}
		log.Info("Device credentials loaded", "file", cfg.Auth.CredentialsFile, "devices", registry.Len())
		return registry, nil
	}
	if len(cfg.Auth.Devices) == 0 {
		log.Warn("No device credentials configured, API requests will be rejected")
	}
	return auth.NewRegistry(cfg.Auth.Devices, log.Root()), nil
}

func newCredential(ctx *cli.Context) error {
	token, err := auth.NewToken()
	if err != nil {
		return err
	}
	fmt.Println("device_fp: ", ctx.String("fp"))
	fmt.Println("token:     ", token)
	fmt.Println("token_hash:", auth.HashToken(token))
	fmt.Println()
	fmt.Println("Register the device_fp and token_hash in the credentials file and hand the token to the device.")
	return nil
}
