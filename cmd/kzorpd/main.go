// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command kzorpd runs the policy classification core: the transaction
// manager, the verdict cache, the net/rpc control plane, and (unless
// disabled) a conntrack-fed packet path and a read-only HTTP dump
// surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kzorp.dev/kzorp/internal/conntrack"
	"kzorp.dev/kzorp/internal/ctlplane"
	"kzorp.dev/kzorp/internal/engine"
	"kzorp.dev/kzorp/internal/logging"
)

func main() {
	rpcAddr := flag.String("rpc-addr", "localhost:7777", "address the net/rpc control plane listens on")
	httpAddr := flag.String("http-addr", "", "address the read-only HTTP dump/query surface listens on (disabled if empty)")
	noConntrack := flag.Bool("no-conntrack", false, "disable the conntrack-fed packet path (useful off-box or without CAP_NET_ADMIN)")
	textLogs := flag.Bool("text-logs", false, "emit human-readable logs instead of JSON")
	flag.Parse()

	level := slog.LevelInfo
	var logger *logging.Logger
	if *textLogs {
		logger = logging.NewText(os.Stderr, level)
	} else {
		logger = logging.New(os.Stderr, level)
	}
	logging.SetDefault(logger)

	eng := engine.New(logger)

	rpcListener, err := net.Listen("tcp", *rpcAddr)
	if err != nil {
		logger.Error("failed to listen for control plane", "addr", *rpcAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("control plane listening", "addr", rpcListener.Addr().String())

	go serveRPC(rpcListener, eng, logger)

	var httpServer *http.Server
	if *httpAddr != "" {
		api := ctlplane.NewHTTPAPI(eng.Manager, eng.Instances, eng.Metrics, logger)
		httpServer = &http.Server{Addr: *httpAddr, Handler: api.Handler()}
		go func() {
			logger.Info("http dump surface listening", "addr", *httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http dump surface failed", "error", err)
			}
		}()
	}

	var source *conntrack.Source
	if !*noConntrack {
		source, err = conntrack.NewSource(eng, logger)
		if err != nil {
			logger.Warn("conntrack source unavailable, packet path disabled", "error", err)
		} else {
			go func() {
				if err := source.Run(); err != nil {
					logger.Error("conntrack source stopped", "error", err)
				}
			}()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	if source != nil {
		_ = source.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
	_ = rpcListener.Close()
}

// serveRPC accepts control-plane connections and serves each on its own
// net/rpc server bound to a fresh ctlplane.Server, matching net/rpc's
// one-connection-per-goroutine model: one Server per connected peer.
func serveRPC(l net.Listener, eng *engine.Engine, logger *logging.Logger) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", "error", err)
			continue
		}

		peer := ctlplane.NewServer(eng.Manager, eng.Instances)
		srv := rpc.NewServer()
		if err := srv.Register(peer); err != nil {
			logger.Error("failed to register control-plane peer", "error", err)
			_ = conn.Close()
			continue
		}

		go func() {
			defer peer.Close()
			srv.ServeConn(conn)
		}()
	}
}
