package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/streamswitch/config"
	"github.com/c360/streamswitch/controlplane"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/gateway"
	gatewayhttp "github.com/c360/streamswitch/gateway/http"
	"github.com/c360/streamswitch/gateway/natsapi"
	"github.com/c360/streamswitch/health"
	"github.com/c360/streamswitch/input/natsin"
	"github.com/c360/streamswitch/input/udp"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/natsclient"
	"github.com/c360/streamswitch/output/file"
	"github.com/c360/streamswitch/output/httppost"
	"github.com/c360/streamswitch/output/logsink"
	"github.com/c360/streamswitch/output/natsout"
	"github.com/c360/streamswitch/output/websocket"
	"github.com/c360/streamswitch/pkg/tlsutil"
)

const healthInterval = 5 * time.Second

// app holds everything run wires together.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *natsclient.Client
	plane   *controlplane.Plane
	natsAPI *natsapi.Server
	metrics *metric.Server
	monitor *health.Monitor

	groups   map[string]controlplane.GroupID
	wrappers map[string]controlplane.WrapperID
	// closers release sinks once the plane has stopped delivering.
	closers []io.Closer
}

// newApp builds the plane, the configured topology and the gateways.
// Nothing is started until Run.
func newApp(ctx context.Context, cfg *config.Config, client *natsclient.Client,
	registry *metric.Registry, logger *slog.Logger) (*app, error) {
	plane, err := controlplane.NewPlane(controlplane.Config{
		FanInBuffer: cfg.Runtime.FanInBuffer,
	}, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create control plane: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		plane:    plane,
		monitor:  health.NewMonitor(),
		groups:   make(map[string]controlplane.GroupID),
		wrappers: make(map[string]controlplane.WrapperID),
	}

	if err := a.buildMetricsServer(registry); err != nil {
		a.closeAll(cfg.Runtime.ShutdownTimeout.Std())
		return nil, err
	}
	if err := a.buildTopology(ctx, registry); err != nil {
		a.closeAll(cfg.Runtime.ShutdownTimeout.Std())
		return nil, err
	}
	if err := a.buildGateways(registry); err != nil {
		a.closeAll(cfg.Runtime.ShutdownTimeout.Std())
		return nil, err
	}
	return a, nil
}

func (a *app) buildMetricsServer(registry *metric.Registry) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	a.metrics = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, registry)
	tlsConfig, err := tlsutil.LoadServerConfig(a.cfg.Metrics.TLS)
	if err != nil {
		return fmt.Errorf("load metrics TLS config: %w", err)
	}
	if tlsConfig != nil {
		a.metrics.SetTLSConfig(tlsConfig)
	}
	a.metrics.Handle("/health", a.monitor.Handler(appName))
	return nil
}

func (a *app) buildTopology(ctx context.Context, registry *metric.Registry) error {
	for _, gc := range a.cfg.Groups {
		sink, err := a.newSink(gc, registry)
		if err != nil {
			return fmt.Errorf("group %s: %w", gc.Name, err)
		}
		id, err := a.plane.CreateGroup(gc.Name, sink)
		if err != nil {
			return fmt.Errorf("group %s: %w", gc.Name, err)
		}
		a.groups[gc.Name] = id
	}

	for _, pc := range a.cfg.Producers {
		producer, err := a.newProducer(ctx, pc, registry)
		if err != nil {
			return fmt.Errorf("producer %s: %w", pc.Name, err)
		}
		id, err := a.plane.RegisterProducer(pc.Name, producer, pc.GateMode())
		if err != nil {
			if closer, ok := producer.(io.Closer); ok {
				_ = closer.Close()
			}
			return fmt.Errorf("producer %s: %w", pc.Name, err)
		}
		a.wrappers[pc.Name] = id

		if pc.AttachTo == "" {
			continue
		}
		attachment, err := a.plane.Attach(id, a.groups[pc.AttachTo])
		if err != nil {
			return fmt.Errorf("attach %s to %s: %w", pc.Name, pc.AttachTo, err)
		}
		a.logger.Info("Producer attached at startup",
			"producer", pc.Name, "wrapper", id,
			"group", pc.AttachTo, "attachment", attachment,
			"gate", pc.Gate)
	}
	return nil
}

func (a *app) newSink(gc config.GroupConfig, registry *metric.Registry) (flow.Sink, error) {
	switch gc.Sink {
	case config.SinkNATS:
		out, err := natsout.New(a.client, gc.Subject,
			natsout.WithLogger(a.logger),
			natsout.WithMetrics(registry))
		if err != nil {
			return nil, err
		}
		return out.Sink(), nil
	case config.SinkFile:
		out, err := file.New(file.Config{
			Path:   gc.Path,
			Format: gc.Format,
			Append: gc.Append,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, out)
		return out.Sink(), nil
	case config.SinkHTTP:
		out, err := httppost.New(httppost.Config{
			URL:     gc.URL,
			Headers: gc.Headers,
			Timeout: gc.Timeout.Std(),
			TLS:     gc.TLS,
		}, registry, a.logger)
		if err != nil {
			return nil, err
		}
		return out.Sink(), nil
	case config.SinkWebSocket:
		if a.metrics == nil {
			return nil, fmt.Errorf("websocket sink needs the metrics listener")
		}
		out, err := websocket.New(websocket.Config{
			Name:      gc.Name,
			QueueSize: gc.QueueSize,
		}, registry, a.logger)
		if err != nil {
			return nil, err
		}
		a.metrics.Handle(gc.StreamPath(), out)
		a.closers = append(a.closers, out)
		return out.Sink(), nil
	default:
		return logsink.New(gc.Name, parseLevel(gc.LogLevel), a.logger).Sink(), nil
	}
}

func (a *app) newProducer(ctx context.Context, pc config.ProducerConfig, registry *metric.Registry) (flow.Producer, error) {
	var producer flow.Producer
	switch pc.Type {
	case config.ProducerTicker:
		producer = flow.NewTicker(pc.Name, pc.Interval.Std())
	case config.ProducerRange:
		producer = flow.Range(pc.Name, pc.From, pc.To)
	case config.ProducerNATS:
		in, err := natsin.New(a.client, natsin.Config{
			Name:       pc.Name,
			Subject:    pc.Subject,
			BufferSize: pc.BufferSize,
		}, registry, a.logger)
		if err != nil {
			return nil, err
		}
		producer = in
	case config.ProducerUDP:
		in, err := udp.New(ctx, udp.Config{
			Name:       pc.Name,
			Addr:       pc.Addr,
			BufferSize: pc.BufferSize,
		}, registry, a.logger)
		if err != nil {
			return nil, err
		}
		producer = in
	default:
		return nil, fmt.Errorf("unknown producer type %q", pc.Type)
	}

	if pc.Throttle > 0 {
		producer = flow.Throttle(producer, pc.Throttle.Std(), pc.Burst)
	}
	return producer, nil
}

func (a *app) buildGateways(registry *metric.Registry) error {
	gw := a.cfg.Gateway
	httpEnabled := gw.HTTP.Enabled && a.cfg.Metrics.Enabled

	if !gw.Enabled && !httpEnabled {
		return nil
	}

	disp, err := gateway.NewDispatcher(a.plane, gw.Timeout(), registry, a.logger)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	if gw.Enabled {
		a.natsAPI, err = natsapi.New(a.client, disp, gw, registry, a.logger)
		if err != nil {
			return fmt.Errorf("create NATS gateway: %w", err)
		}
	}

	if httpEnabled {
		httpGateway, err := gatewayhttp.NewGateway(gw.HTTP, disp, a.logger)
		if err != nil {
			return fmt.Errorf("create HTTP gateway: %w", err)
		}
		httpGateway.RegisterHTTPHandlers(a.metrics.Handle)
	}
	return nil
}

// Run starts the gateways and health checks and blocks until ctx is done
// or a server fails, then shuts everything down.
func (a *app) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.natsAPI != nil {
		if err := a.natsAPI.Start(gctx); err != nil {
			a.shutdown(shutdownTimeout)
			return fmt.Errorf("start NATS gateway: %w", err)
		}
		g.Go(func() error {
			a.monitor.Watch(gctx, "gateway", healthInterval, a.gatewayHealth)
			return nil
		})
	}
	if a.metrics != nil {
		g.Go(func() error {
			return a.metrics.Start(gctx)
		})
	}
	g.Go(func() error {
		a.monitor.Watch(gctx, "controlplane", healthInterval, a.plane.Health)
		return nil
	})
	g.Go(func() error {
		a.monitor.Watch(gctx, "nats", healthInterval, a.natsHealth)
		return nil
	})

	<-gctx.Done()
	a.logger.Info("Shutting down")
	a.shutdown(shutdownTimeout)
	return g.Wait()
}

func (a *app) shutdown(timeout time.Duration) {
	if a.natsAPI != nil {
		if err := a.natsAPI.Stop(timeout); err != nil {
			a.logger.Warn("NATS gateway stop failed", "error", err)
		}
	}
	a.closeAll(timeout)
	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
}

// closeAll stops the plane, then the sinks it was delivering to.
func (a *app) closeAll(timeout time.Duration) {
	if err := a.plane.Close(timeout); err != nil {
		a.logger.Warn("Control plane close failed", "error", err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("Sink close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) natsHealth() health.Status {
	if a.client.IsHealthy() {
		return health.NewHealthy("nats", "connected")
	}
	return health.NewUnhealthy("nats", a.client.Status().String())
}

func (a *app) gatewayHealth() health.Status {
	stats := a.natsAPI.Stats()
	if stats.QueueSize > 0 && stats.QueueDepth >= stats.QueueSize {
		return health.NewDegraded("gateway", "request queue full")
	}
	return health.NewHealthy("gateway", fmt.Sprintf("%d requests served", stats.Processed))
}
