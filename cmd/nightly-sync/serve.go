package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/nightlysync"
	githubprovider "github.com/LibertasSpZ/mathlib4-libertas/internal/provider/github"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/toolchain"
)

const (
	healthEndpoint  = "/healthz"
	metricsEndpoint = "/metrics"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var dryRun bool

	cmd := cobra.Command{
		Use:   "serve",
		Short: "Receive GitHub workflow_run webhook events and process completed runs",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe(dryRun)
		},
	}

	addDryRunFlag(cmd.Flags(), &dryRun)

	return &cmd
}

func startHTTPServer(srv *http.Server, certFile, keyFile string) {
	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", srv.Addr),
			zap.Bool("tls", certFile != ""),
		)

		var err error
		if certFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if errors.Is(err, http.ErrServerClosed) {
			logger.Info(
				"http server terminated",
				logfields.Event("http_server_terminated"),
				zap.String("listenAddr", srv.Addr),
			)
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.String("listenAddr", srv.Addr),
			zap.Error(err),
		)
	}()
}

func shutdownHTTPServer(srv *http.Server) {
	ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFn()

	logger.Debug(
		"terminating http server",
		logfields.Event("http_server_terminating"),
		zap.String("listenAddr", srv.Addr),
		zap.Duration("shutdown_timeout", shutdownTimeout),
	)

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn(
			"shutting down http server failed",
			logfields.Event("http_server_termination_failed"),
			zap.String("listenAddr", srv.Addr),
			zap.Error(err),
		)
	}
}

func newRouter(webhookEndpoint string, webhookHandler http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post(webhookEndpoint, webhookHandler)
	r.Get(healthEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle(metricsEndpoint, promhttp.HandlerFor(nightlysync.Registry, promhttp.HandlerOpts{}))

	return r
}

func runServe(dryRun bool) error {
	config := mustLoadCfg()
	mustInitLogger(config)
	logCfg(config)

	if config.Server.ListenAddr == "" && config.Server.HTTPSListenAddr == "" {
		return errors.New("server.listen_addr or server.https_listen_addr must be defined in the config file, both are unset")
	}

	if config.Server.HTTPSListenAddr != "" && config.Server.HTTPSCertFile == "" {
		return errors.New("server.https_listen_addr is set but server.https_cert_file is empty")
	}

	githubClt, err := newGithubClient(config)
	if err != nil {
		return err
	}

	comps, err := newComponents(
		context.Background(),
		config,
		githubClt,
		toolchain.NewGithubSource(githubClt, config.Server.ToolchainFile),
		dryRun || config.DryRun,
	)
	if err != nil {
		return err
	}

	filter, err := nightlysync.NewFilter(config.Server.FilterQuery)
	if err != nil {
		comps.Close()
		return fmt.Errorf("parsing server.filter_query failed: %w", err)
	}

	evLoop := nightlysync.NewEventLoop(
		comps.pipeline,
		filter,
		nightlysync.NewRetryer(config.RetryTimeoutDuration()),
		nightlysync.WithRunRoutineDeferFunc(panicHandler),
	)

	gh := githubprovider.New(
		evLoop.C(),
		githubprovider.WithPayloadSecret(config.Server.WebhookSecret),
	)

	router := newRouter(config.Server.WebhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.Server.WebhookEndpoint),
	)

	var servers []*http.Server

	if config.Server.ListenAddr != "" {
		srv := http.Server{Addr: config.Server.ListenAddr, Handler: router, ReadHeaderTimeout: time.Minute}
		servers = append(servers, &srv)
		startHTTPServer(&srv, "", "")
	}

	if config.Server.HTTPSListenAddr != "" {
		srv := http.Server{Addr: config.Server.HTTPSListenAddr, Handler: router, ReadHeaderTimeout: time.Minute}
		servers = append(servers, &srv)
		startHTTPServer(&srv, config.Server.HTTPSCertFile, config.Server.HTTPSKeyFile)
	}

	go evLoop.Start()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(
			"terminating",
			logfields.Event("terminating"),
			zap.String("signal", fmt.Sprint(sig)),
		)

		// the servers are stopped first, no events must be sent to the
		// closed event loop channel
		for _, srv := range servers {
			shutdownHTTPServer(srv)
		}

		logger.Debug("stopping event loop", logfields.Event("event_loop_stopping"))
		evLoop.Stop()

		comps.Close()
	})

	select {}
}
