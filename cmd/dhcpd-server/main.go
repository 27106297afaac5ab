// Command dhcpd-server runs a standalone DHCPv4/BOOTP server on one network
// interface, configured by a YAML file.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/openv4/dhcpd/internal/dhcpd"
)

func main() {
	configPath := flag.String("config", "dhcpd.yaml", "path to the YAML configuration file")
	ifaceName := flag.String("iface", "", "network interface to listen on")
	flag.Parse()

	logger := slogutil.New(&slogutil.Config{Format: slogutil.FormatDefault})

	if *ifaceName == "" {
		logger.Error("dhcpd: -iface is required")
		os.Exit(1)
	}

	conf, err := dhcpd.LoadConfig(*configPath)
	if err != nil {
		logger.Error("dhcpd: loading config", slogutil.KeyError, err)
		os.Exit(1)
	}
	conf.Logger = logger

	if err = conf.Validate(); err != nil {
		logger.Error("dhcpd: invalid config", slogutil.KeyError, err)
		os.Exit(1)
	}

	store, err := dhcpd.OpenLeaseStore(conf.DBFilePath, logger)
	if err != nil {
		logger.Error("dhcpd: opening lease database", slogutil.KeyError, err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	engine, err := dhcpd.Build(conf)
	if err != nil {
		logger.Error("dhcpd: building engine", slogutil.KeyError, err)
		os.Exit(1)
	}
	engine.Store = store

	leases, err := store.LoadAll()
	if err != nil {
		logger.Error("dhcpd: loading leases", slogutil.KeyError, err)
		os.Exit(1)
	}
	for _, l := range leases {
		engine.Index.Supersede(nil, l, nil)
	}

	iface, err := net.InterfaceByName(*ifaceName)
	if err != nil {
		logger.Error("dhcpd: resolving interface", "iface", *ifaceName, slogutil.KeyError, err)
		os.Exit(1)
	}

	srv := dhcpd.NewServer(engine, iface)
	if err = srv.Start(); err != nil {
		logger.Error("dhcpd: starting server", slogutil.KeyError, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("dhcpd: shutting down")
	if err = srv.Stop(); err != nil {
		logger.Error("dhcpd: stopping server", slogutil.KeyError, err)
	}

	if conf.SnapshotFilePath != "" {
		if err = store.Snapshot(conf.SnapshotFilePath); err != nil {
			logger.Error("dhcpd: writing snapshot", slogutil.KeyError, err)
		}
	}
}
