// Package app wires the relay components and runs its servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"live-transcript-relay/internal/api/ws"
	"live-transcript-relay/internal/config"
	"live-transcript-relay/internal/events"
	httpapi "live-transcript-relay/internal/http"
	"live-transcript-relay/internal/observability"
	"live-transcript-relay/internal/observability/logging"
	"live-transcript-relay/internal/service/audio"
	"live-transcript-relay/internal/service/broadcast"
	"live-transcript-relay/internal/service/detector"
	"live-transcript-relay/internal/service/segment"
	"live-transcript-relay/internal/service/stt"
	"live-transcript-relay/internal/service/stt/google"
	"live-transcript-relay/internal/service/stt/mock"
)

// healthService is the gRPC health name reported for the relay.
const healthService = "transcript.relay.v1.Relay"

// Application holds process-wide state for the relay.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Coordinator *audio.Coordinator
	Hub         *broadcast.Hub

	provider  stt.Provider
	publisher *events.Publisher
	redis     *redis.Client
	relay     *broadcast.RedisRelay

	httpServer *http.Server
	obsServer  *observability.Server
	grpcServer *grpc.Server
	health     *health.Server

	ready atomic.Bool
}

// New builds every component from cfg. Only the Google provider can fail.
func New(ctx context.Context, cfg *config.Configuration) (*Application, error) {
	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}

	provider, err := newProvider(ctx, cfg.STT)
	if err != nil {
		return nil, err
	}
	a.provider = provider

	var relay broadcast.Relay
	if cfg.Broadcast.RedisEnabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Broadcast.RedisAddr,
			Password: cfg.Broadcast.RedisPassword,
			DB:       cfg.Broadcast.RedisDB,
		})
		a.relay = broadcast.NewRedisRelay(a.redis, cfg.Broadcast.ChannelPrefix)
		relay = a.relay
	}
	a.Hub = broadcast.NewHub(relay)

	a.publisher = events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicAnnotation: cfg.Kafka.TopicAnnotation,
		Principal:       cfg.Kafka.Principal,
	})

	var det detector.Detector = detector.Noop{}
	if cfg.Detector.URL != "" {
		det = detector.NewClient(detector.Config{
			BaseURL:       cfg.Detector.URL,
			Timeout:       cfg.Detector.Timeout,
			MinConfidence: cfg.Detector.MinConfidence,
		})
	}

	a.Coordinator = audio.NewCoordinator(audio.Options{
		Provider:      provider,
		STTConfig:     sttConfig(cfg.STT),
		Hub:           a.Hub,
		Detector:      det,
		Publisher:     a.publisher,
		OpenTimeout:   cfg.STT.OpenTimeout,
		DetectTimeout: cfg.Detector.Timeout,
		MaxInFlight:   int64(cfg.Detector.MaxInFlight),
		MaxChunkBytes: int(cfg.WebSocket.MaxMessageBytes),
		Limits: segment.Limits{
			MaxPartials:    cfg.Segment.MaxPartials,
			MaxDuration:    cfg.Segment.MaxDuration,
			MaxAudioBytes:  cfg.Segment.MaxAudioBytes,
			RetainFinished: cfg.Segment.RetainFinished,
		},
	})

	wsHandler := ws.NewHandler(a.Coordinator, ws.Config{
		SendBuffer:      cfg.WebSocket.SendBuffer,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	})
	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(wsHandler, a.ready.Load),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.obsServer = observability.NewServer(cfg.Service.MetricsAddr, a.ready.Load)

	a.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.StreamInterceptor(observability.StreamServerInterceptor()),
	)
	a.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)
	reflection.Register(a.grpcServer)

	a.Logger.Info().
		Str("provider", provider.Name()).
		Bool("redis", cfg.Broadcast.RedisEnabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("detector", cfg.Detector.URL != "").
		Msg("Transcript relay application created")
	return a, nil
}

func newProvider(ctx context.Context, cfg config.STTConfig) (stt.Provider, error) {
	switch cfg.Provider {
	case "google":
		p, err := google.NewProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		return p, nil
	case "mock", "":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

func sttConfig(cfg config.STTConfig) stt.Config {
	c := google.DefaultConfig()
	if cfg.LanguageCode != "" {
		c.LanguageCode = cfg.LanguageCode
	}
	if cfg.SampleRateHz > 0 {
		c.SampleRateHz = cfg.SampleRateHz
	}
	if cfg.AudioEncoding != "" {
		c.Encoding = cfg.AudioEncoding
	}
	c.InterimResults = cfg.InterimResults
	c.Model = cfg.Model
	c.PhraseHints = cfg.PhraseHints
	return c
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	a.StartupTime = time.Now().UTC()

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.httpServer.Addr).Msg("Starting relay HTTP server")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(a.obsServer.ListenAndServe)
	g.Go(func() error {
		a.Logger.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC health server")
		if err := a.grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}

	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	a.ready.Store(true)
	a.Logger.Info().Time("startupTime", a.StartupTime).Msg("Transcript relay started")

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting work, drains streams and enrichment, then closes
// the servers and downstream clients.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.Info().Int("activeStreams", a.Coordinator.ActiveStreams()).Msg("Transcript relay shutting down")

	a.ready.Store(false)
	a.health.Shutdown()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator shutdown: %w", err))
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if closer, ok := a.provider.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider close: %w", err))
		}
	}
	if err := a.obsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	a.grpcServer.GracefulStop()

	return errors.Join(errs...)
}
