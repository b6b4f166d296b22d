// coap-server is a CoAP origin server and caching reverse proxy.
//
// Configuration comes from COAP_* environment variables (a .env file in
// the working directory is loaded first):
//
//	COAP_LISTEN_ADDRS      listen addresses (default ":5683")
//	COAP_METRICS_ADDR      Prometheus /metrics address (default ":9090", empty disables)
//	COAP_LOG_LEVEL         disabled|error|warn|info|debug|trace
//	COAP_ACK_TIMEOUT       ACK_TIMEOUT (default 2s)
//	COAP_MAX_RETRANSMIT    MAX_RETRANSMIT (default 4)
//	COAP_CACHE_CAPACITY    cached responses (default 1024)
//	COAP_ADVERTISE         announce _coap._udp over mDNS
//	COAP_ECHO_PATH         path of the echo resource (default "echo")
//	COAP_VALUES            read-only values, e.g. "hello:world,version:1"
//	COAP_PROXIES           upstream URIs to proxy and cache
//	COAP_DELAYED_PROXIES   upstream URIs to proxy with separate responses
//
// Example:
//
//	COAP_PROXIES=coap://192.168.1.20/temp coap-server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/resource"
	"github.com/backkem/coap/pkg/server"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coap-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level
	log := loggerFactory.NewLogger("main")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var random exchange.RandomSource
	if cfg.RandomizeTimeout {
		random = exchange.DefaultRandomSource
	}

	srv, err := server.New(server.Config{
		ListenAddrs:   cfg.ListenAddrs,
		Params:        cfg.params(),
		Random:        random,
		CacheCapacity: cfg.CacheCapacity,
		Registerer:    registry,
		Advertise:     cfg.Advertise,
		InstanceName:  cfg.InstanceName,
		OnStateChanged: func(state server.State) {
			log.Infof("server %s", state)
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}

	if err := addResources(srv, cfg); err != nil {
		srv.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("metrics on %s/metrics", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return srv.Stop()
	})

	return g.Wait()
}

func addResources(srv *server.Server, cfg config) error {
	if cfg.EchoPath != "" {
		if err := srv.AddProvider(cfg.EchoPath, &resource.EchoProvider{}); err != nil {
			return err
		}
	}
	for path, value := range cfg.Values {
		if err := srv.AddProvider(path, resource.NewStaticProvider([]byte(value), true, 0)); err != nil {
			return err
		}
	}
	for _, uri := range cfg.Proxies {
		if _, err := srv.AddProxy(uri, server.ProxyOptions{}); err != nil {
			return err
		}
	}
	for _, uri := range cfg.DelayedProxies {
		if _, err := srv.AddProxy(uri, server.ProxyOptions{AlwaysDelayed: true}); err != nil {
			return err
		}
	}
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
