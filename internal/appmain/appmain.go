// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package appmain contains the common initialization of long running
// opentune processes: configuration, logging, telemetry and the admin
// servers.
package appmain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/plugin/ocgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/logging"
	"opentune.dev/opentune/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "app.main",
	})
)

// RunApplication starts the application and runs it until SIGTERM or
// SIGINT, or until a bound task ends.
func RunApplication(serviceName string, bindService Bind, getCfg func() (config.View, error)) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(c)

	a, err := StartApplication(serviceName, bindService, getCfg, net.Listen)
	if err != nil {
		return err
	}

	var runErr error
	select {
	case s := <-c:
		logger.WithField("signal", s.String()).Info("Stopping on signal.")
	case runErr = <-a.done:
		if runErr != nil {
			logger.WithError(runErr).Error("Application task failed.")
		}
	}
	if err := a.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		logger.Info("Application stopped successfully.")
	}
	return runErr
}

// Bind is a function which starts an application, and binds it to serving.
type Bind func(p *Params, b *Bindings) error

// Params are inputs to starting an application.
type Params struct {
	config      config.View
	serviceName string
}

// Config provides the configuration for the application.
func (p *Params) Config() config.View {
	return p.config
}

// ServiceName is the name the application reports in telemetry.
func (p *Params) ServiceName() string {
	return p.serviceName
}

// Bindings allows applications to bind various functions to the running servers.
type Bindings struct {
	a            *App
	mux          *http.ServeMux
	readiness    []telemetry.ReadinessCheck
	grpcHandlers []func(*grpc.Server)
}

// AddReadinessCheck registers a dependency the application needs to work.
// A failing check turns /healthz?readiness=true into a 503 and the gRPC
// health service to NOT_SERVING until it passes again.
func (b *Bindings) AddReadinessCheck(name string, f func(context.Context) error) {
	b.readiness = append(b.readiness, telemetry.ReadinessCheck{Name: name, Check: f})
}

// AddGRPCHandler registers a service on the admin gRPC server.
func (b *Bindings) AddGRPCHandler(f func(*grpc.Server)) {
	b.grpcHandlers = append(b.grpcHandlers, f)
}

func (b *Bindings) TelemetryHandle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, handler)
}

func (b *Bindings) TelemetryHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	b.mux.HandleFunc(pattern, handler)
}

func (b *Bindings) AddCloser(c func()) {
	b.a.closers = append(b.a.closers, func() error {
		c()
		return nil
	})
}

func (b *Bindings) AddCloserErr(c func() error) {
	b.a.closers = append(b.a.closers, c)
}

// Go runs f in the background until the application stops. The context
// passed to f is canceled by Stop. The first task to end, with or without
// an error, ends RunApplication.
func (b *Bindings) Go(f func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		err := f(ctx)
		select {
		case b.a.done <- err:
		default:
		}
	}()
	b.AddCloser(func() {
		cancel()
		<-finished
	})
}

// App is a started application.
type App struct {
	closers  []func() error
	done     chan error
	grpcAddr string
	httpAddr string
}

// GRPCAddr returns the address the admin gRPC server listens on.
func (a *App) GRPCAddr() string { return a.grpcAddr }

// HTTPAddr returns the address the admin HTTP server listens on.
func (a *App) HTTPAddr() string { return a.httpAddr }

// StartApplication provides more control over an application than
// RunApplication.  It is for running in memory tests against your app.
func StartApplication(serviceName string, bindService Bind, getCfg func() (config.View, error), listen func(network, address string) (net.Listener, error)) (*App, error) {
	a := &App{done: make(chan error, 1)}

	cfg, err := getCfg()
	if err != nil {
		return nil, errors.Wrap(err, "cannot read configuration")
	}
	logging.ConfigureLogging(cfg)

	p := &Params{
		config:      cfg,
		serviceName: serviceName,
	}
	b := &Bindings{
		a:   a,
		mux: http.NewServeMux(),
	}

	if err := telemetry.Setup(p, b); err != nil {
		a.Stop()
		return nil, err
	}
	if err := bindService(p, b); err != nil {
		a.Stop()
		return nil, err
	}
	if err := a.serve(cfg, b, listen); err != nil {
		a.Stop()
		return nil, err
	}
	return a, nil
}

// serve starts the admin gRPC and HTTP servers. Their closers are added
// last so that they stop first.
func (a *App) serve(cfg config.View, b *Bindings, listen func(network, address string) (net.Listener, error)) error {
	grpcListener, err := listen("tcp", fmt.Sprintf(":%d", cfg.GetInt(consts.AdminGRPCPort)))
	if err != nil {
		return errors.Wrap(err, "cannot listen for the admin gRPC server")
	}
	httpListener, err := listen("tcp", fmt.Sprintf(":%d", cfg.GetInt(consts.AdminHTTPPort)))
	if err != nil {
		grpcListener.Close()
		return errors.Wrap(err, "cannot listen for the admin HTTP server")
	}
	a.grpcAddr = grpcListener.Addr().String()
	a.httpAddr = httpListener.Addr().String()

	grpcLogger := logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "grpc.server",
	})
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_logrus.UnaryServerInterceptor(grpcLogger),
			grpc_recovery.UnaryServerInterceptor(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_logrus.StreamServerInterceptor(grpcLogger),
			grpc_recovery.StreamServerInterceptor(),
		)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	for _, f := range b.grpcHandlers {
		f(grpcServer)
	}

	readiness := telemetry.NewReadiness(b.readiness, cfg.GetDuration(consts.TelemetryReadinessTimeout), func(ready bool) {
		if ready {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		} else {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		}
	})
	b.mux.Handle(telemetry.HealthCheckEndpoint, readiness)
	httpServer := &http.Server{
		Handler:           b.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.WithError(err).Error("admin gRPC server stopped")
		}
	}()
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin HTTP server stopped")
		}
	}()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	logger.WithFields(logrus.Fields{
		"grpc": a.grpcAddr,
		"http": a.httpAddr,
	}).Info("admin servers listening")

	b.AddCloser(func() {
		hs.Shutdown()
		grpcServer.GracefulStop()
	})
	b.AddCloserErr(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})
	return nil
}

// Stop runs the closers.
func (a *App) Stop() error {
	// Use closers in reverse order: Since dependencies are created before
	// their dependants, this helps ensure no dependencies are closed
	// unexpectedly.
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err := a.closers[i]()
		if firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
