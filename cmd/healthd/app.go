package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/kanengo/healthd/admin"
	"github.com/kanengo/healthd/config"
	"github.com/kanengo/healthd/health"
	"github.com/kanengo/healthd/internal/host"
	"github.com/kanengo/healthd/log"
	"github.com/kanengo/healthd/middleware"
	"github.com/kanengo/healthd/middleware/ratelimit"
	"github.com/kanengo/healthd/middleware/ratelimit/leakybucket"
	"github.com/kanengo/healthd/registry"
	"github.com/kanengo/healthd/registry/etcd"
	grpctransport "github.com/kanengo/healthd/transport/grpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const checkMethod = "/grpc.health.v1.Health/Check"

// Options wires the daemon. Hooks stop in reverse order: the instance is
// deregistered first, then gRPC drains, then the admin server goes away.
func Options(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newMetricsRegistry,
			newHealthServer,
			newGRPCServer,
			newAdminServer,
		),
		fx.Invoke(runAdmin, runGRPC, runRegistrar),
	)
}

func newLogger(cfg *config.Config, lc fx.Lifecycle) (*zap.Logger, error) {
	logger, err := log.NewWithRotation(cfg.Log.Level, log.Rotation{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	if err != nil {
		return nil, err
	}
	log.SetLogger(logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newHealthServer(cfg *config.Config, reg *prometheus.Registry) (*health.Server, error) {
	statuses, err := cfg.Statuses()
	if err != nil {
		return nil, err
	}
	opts := append(cfg.HealthOptions(), health.WithMetrics(health.NewMetrics(reg)))
	hs := health.NewServer(opts...)
	for name, st := range statuses {
		if err := hs.SetServingStatus(name, st); err != nil {
			return nil, err
		}
	}
	return hs, nil
}

func newGRPCServer(cfg *config.Config, hs *health.Server, logger *zap.Logger) (*grpctransport.Server, error) {
	opts := []grpctransport.ServerOption{
		grpctransport.Address(cfg.Server.Address),
		grpctransport.Timeout(cfg.Server.Timeout.Duration),
		grpctransport.Health(hs),
		grpctransport.Middleware(
			middleware.Recovery(logger),
			middleware.Logging(logger),
		),
	}
	if cfg.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		opts = append(opts, grpctransport.TLSConfig(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	srv := grpctransport.NewServer(opts...)
	if cfg.RateLimit.Capacity > 0 {
		srv.AddMiddleware(checkMethod, ratelimit.RateLimit(
			leakybucket.NewLeakyBucket(cfg.RateLimit.Capacity, cfg.RateLimit.FillInterval.Duration),
		))
	}
	return srv, nil
}

func newAdminServer(cfg *config.Config, hs *health.Server, reg *prometheus.Registry) *admin.Server {
	return admin.NewServer(cfg.Admin.Address, admin.NewHandler(hs, reg))
}

func runAdmin(lc fx.Lifecycle, srv *admin.Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
}

func runGRPC(lc fx.Lifecycle, srv *grpctransport.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// bind now so that address errors fail the start
			if _, err := srv.Endpoint(); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(context.Background()); err != nil {
					log.Error("[grpc] server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Stop,
	})
}

func runRegistrar(lc fx.Lifecycle, cfg *config.Config, srv *grpctransport.Server, adminSrv *admin.Server, logger *zap.Logger) error {
	rc := cfg.Registry
	if len(rc.Endpoints) == 0 {
		return nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   rc.Endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return err
	}
	r := etcd.New(client,
		etcd.Namespace(rc.Namespace),
		etcd.RegisterTTL(rc.TTL.Duration),
	)

	id := rc.Instance
	if id == "" {
		id = registry.NewInstanceID()
	}
	ins := &registry.ServiceInstance{
		ID:       id,
		Name:     rc.Name,
		Metadata: map[string]string{},
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			endpoint, err := srv.Endpoint()
			if err != nil {
				return err
			}
			ins.Endpoints = append(ins.Endpoints, endpoint.String())
			if addr := adminSrv.Addr(); addr != nil {
				adminHost, err := host.Extract(addr.String(), nil)
				if err != nil {
					return err
				}
				adminURL := url.URL{Scheme: "http", Host: adminHost}
				ins.Metadata["admin"] = adminURL.String()
			}
			return r.Register(ctx, ins)
		},
		OnStop: func(ctx context.Context) error {
			return multierr.Append(r.DeRegister(ctx, ins), client.Close())
		},
	})
	return nil
}
