// Package relay assembles the edge process: the delay simulator feeding
// the predictor, the output ticker, the frame hub, the LinkControl gRPC
// service and the HTTP surface (/ingest, /frames, /healthz, /metrics).
package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/internal/control"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/internal/observability"
	"github.com/signalsfoundry/predictive-relay/internal/transport"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"github.com/signalsfoundry/predictive-relay/timectrl"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Relay.
type Options struct {
	Link      core.DelayPolicy
	Seed      uint64 // zero draws a random seed
	Predictor core.PredictorConfig

	OriginPublicKey ed25519.PublicKey
	EdgeKey         *provenance.KeyPair

	GRPCAddr string
	HTTPAddr string
	// MetricsAddr serves /metrics on its own listener when set.
	MetricsAddr string

	// Registry collects relay and control metrics; nil creates one.
	Registry *prometheus.Registry
	Clock    clock.Clock
	Logger   logging.Logger
	// Sinks receive every signed frame in addition to the hub.
	Sinks []core.FrameSink
}

// Relay is a configured edge process. Build it with New, then call Run.
type Relay struct {
	opts    Options
	log     logging.Logger
	clock   clock.Clock
	started time.Time

	Simulator *core.DelaySimulator
	Predictor *core.Predictor
	Hub       *transport.FrameHub
	Ticker    *timectrl.TimeController
	ingest    *transport.IngestHandler

	metrics        *observability.RelayCollector
	controlMetrics *observability.ControlCollector
	registry       *prometheus.Registry

	grpcServer    *grpc.Server
	httpServer    *http.Server
	metricsServer *http.Server

	grpcLis, httpLis, metricsLis net.Listener
}

// New wires every component but binds no sockets.
func New(opts Options) (*Relay, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.EdgeKey == nil || len(opts.OriginPublicKey) == 0 {
		return nil, fmt.Errorf("%w: relay requires the origin public key and an edge key pair", core.ErrConfigurationInvalid)
	}

	r := &Relay{
		opts:     opts,
		log:      opts.Logger.With(logging.Component("relay")),
		clock:    opts.Clock,
		registry: opts.Registry,
	}

	var err error
	if r.metrics, err = observability.NewRelayCollector(opts.Registry); err != nil {
		return nil, err
	}
	if r.controlMetrics, err = observability.NewControlCollector(opts.Registry); err != nil {
		return nil, err
	}

	originV, err := provenance.NewVerifier(opts.OriginPublicKey)
	if err != nil {
		return nil, err
	}
	edge, err := provenance.NewSigner(opts.EdgeKey)
	if err != nil {
		return nil, err
	}

	r.Hub = transport.NewFrameHub(
		transport.WithHubLogger(opts.Logger),
		transport.WithHubMetrics(r.metrics),
	)
	sink := fanout(append([]core.FrameSink{r.Hub}, opts.Sinks...))

	r.Predictor, err = core.NewPredictor(opts.Predictor, originV, edge, sink,
		core.WithPredictorClock(opts.Clock),
		core.WithPredictorLogger(opts.Logger),
		core.WithPredictorObserver(r.metrics),
	)
	if err != nil {
		return nil, err
	}

	simOpts := []core.SimulatorOption{
		core.WithSimulatorClock(opts.Clock),
		core.WithSimulatorLogger(opts.Logger),
		core.WithLinkObserver(r.metrics),
	}
	if opts.Seed != 0 {
		simOpts = append(simOpts, core.WithSeed(opts.Seed))
	}
	r.Simulator, err = core.NewDelaySimulator(opts.Link, r.Predictor.Deliver, simOpts...)
	if err != nil {
		return nil, err
	}

	r.ingest = transport.NewIngestHandler(r.Simulator, opts.Logger)

	r.Ticker = timectrl.NewTimeController(opts.Clock, opts.Predictor.TickInterval, timectrl.RealTime)
	r.Ticker.AddListener(r.Predictor.Tick)

	r.grpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			control.RequestIDUnaryServerInterceptor(opts.Logger),
			control.TracingUnaryServerInterceptor(),
			r.controlMetrics.UnaryServerInterceptor(),
		),
	)
	control.RegisterLinkControlServer(r.grpcServer, control.NewService(
		r.Simulator, r.Predictor,
		control.PublicKeys{Origin: opts.OriginPublicKey, Edge: opts.EdgeKey.Public},
		opts.Logger,
	))

	r.httpServer = &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics.Handler())
		r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return r, nil
}

// Handler returns the relay HTTP routes.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ingest", r.ingest)
	mux.Handle("/frames", r.Hub)
	mux.HandleFunc("/healthz", r.serveHealth)
	if r.opts.MetricsAddr == "" {
		mux.Handle("/metrics", r.metrics.Handler())
	}
	return mux
}

// Listen binds the configured addresses. Run calls it when needed; calling
// it first lets tests use port 0 and read the bound addresses.
func (r *Relay) Listen() error {
	if r.grpcLis != nil {
		return nil
	}
	var err error
	if r.grpcLis, err = net.Listen("tcp", r.opts.GRPCAddr); err != nil {
		return fmt.Errorf("listen grpc %s: %w", r.opts.GRPCAddr, err)
	}
	if r.httpLis, err = net.Listen("tcp", r.opts.HTTPAddr); err != nil {
		_ = r.grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", r.opts.HTTPAddr, err)
	}
	if r.metricsServer != nil {
		if r.metricsLis, err = net.Listen("tcp", r.opts.MetricsAddr); err != nil {
			_ = r.grpcLis.Close()
			_ = r.httpLis.Close()
			return fmt.Errorf("listen metrics %s: %w", r.opts.MetricsAddr, err)
		}
	}
	return nil
}

// GRPCAddr returns the bound control address, or "" before Listen.
func (r *Relay) GRPCAddr() string { return addrOf(r.grpcLis) }

// HTTPAddr returns the bound HTTP address, or "" before Listen.
func (r *Relay) HTTPAddr() string { return addrOf(r.httpLis) }

func addrOf(l net.Listener) string {
	if l == nil {
		return ""
	}
	return l.Addr().String()
}

// Run serves until ctx is cancelled, then stops the ticker, the predictor
// and the link, disconnects receivers and drains the servers.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	r.started = r.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Simulator.Run(gctx) })
	g.Go(func() error { return r.Predictor.Run(gctx) })
	g.Go(func() error {
		r.Ticker.Run(gctx, 0)
		return nil
	})
	g.Go(func() error {
		if err := r.grpcServer.Serve(r.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := r.httpServer.Serve(r.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.metricsServer != nil {
		g.Go(func() error {
			if err := r.metricsServer.Serve(r.metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.shutdown()
		return nil
	})

	r.log.Info(ctx, "relay started",
		logging.String("grpc_addr", r.GRPCAddr()),
		logging.String("http_addr", r.HTTPAddr()),
		logging.String("policy", r.Simulator.Policy().String()),
		logging.Duration("tick", r.opts.Predictor.TickInterval),
		logging.String("edge_key_id", r.opts.EdgeKey.ID),
	)
	err := g.Wait()
	r.log.Info(context.Background(), "relay stopped", logging.String("link", r.Simulator.Stats().String()))
	return err
}

func (r *Relay) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.ingest.Close()
	r.Hub.Close()
	r.grpcServer.GracefulStop()
	_ = r.httpServer.Shutdown(ctx)
	if r.metricsServer != nil {
		_ = r.metricsServer.Shutdown(ctx)
	}
}

// fanout publishes to every sink and reports the first error.
type fanout []core.FrameSink

func (f fanout) PublishFrame(ctx context.Context, frame *model.EmittedFrame) error {
	var first error
	for _, s := range f {
		if err := s.PublishFrame(ctx, frame); err != nil && first == nil {
			first = err
		}
	}
	return first
}
