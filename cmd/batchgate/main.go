// Command batchgate runs a synchronous gateway in front of the OpenAI
// Batch API: callers POST chat completions and block while the gateway
// batches, submits and polls on their behalf.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/config"
	"github.com/remiges-tech/batchgate/gateway"
	"github.com/remiges-tech/batchgate/logger"
	"github.com/remiges-tech/batchgate/metrics"
	"github.com/remiges-tech/batchgate/router"
	"github.com/remiges-tech/batchgate/service"
	"github.com/remiges-tech/batchgate/store"
	"github.com/remiges-tech/batchgate/upstream"
)

// shutdownGrace bounds the drain after SIGTERM. Callers still parked when
// it expires are cut off; their state survives in the store, so a
// resubmission is served from cache.
const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lh := logger.New("batchgate", os.Stdout)
	lh.Info().LogActivity("Gateway starting", map[string]any{
		"upstreamBaseUrl":  cfg.UpstreamBaseURL,
		"redisUrl":         cfg.RedisURL,
		"batchWindowSecs":  cfg.BatchWindowSecs,
		"pollIntervalSecs": cfg.BatchPollIntervalSecs,
		"listenAddr":       cfg.ListenAddr(),
	})

	st, err := store.OpenRedisStore(cfg.RedisURL)
	if err != nil {
		lh.Error(err).LogActivity("Failed to open redis store", nil)
		os.Exit(1)
	}
	defer st.Close()

	states := gateway.NewStateManager(st, lh)
	client := upstream.NewClient(cfg.UpstreamBaseURL)

	pm := metrics.NewPrometheusMetrics()
	pm.SetCustomBuckets(router.MetricHTTPDuration, router.DurationBuckets)
	router.RegisterRequestMetrics(pm)
	gateway.RegisterMetrics(pm)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resume batches the previous process left in flight, then start the
	// dispatch loop.
	gateway.RecoverProcessingBatches(ctx, states, client, pm, lh, cfg.BatchPollInterval())
	dispatcher := gateway.NewDispatcher(states, client, pm, lh, cfg.BatchWindow(), cfg.BatchPollInterval())
	go dispatcher.Run(ctx)

	engine := router.NewEngine(lh, pm)
	svc := service.NewService(engine).
		WithConfig(cfg).
		WithLogHarbour(lh).
		WithDependency(gateway.DepStateManager, states).
		WithDependency(gateway.DepMetrics, pm)
	svc.RegisterRoute(http.MethodGet, "/health", gateway.HandleHealthCheck)
	v1 := svc.CreateGroup("/v1")
	v1.RegisterRoute(http.MethodPost, "/chat/completions", gateway.HandleChatCompletionRequest)
	engine.GET("/metrics", gin.WrapH(pm.Handler()))

	if err := serve(ctx, lh, cfg, engine); err != nil {
		lh.Error(err).LogActivity("Server exited with error", nil)
		os.Exit(1)
	}
	lh.Info().LogActivity("Gateway stopped", nil)
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to shutdownGrace. The server carries no read or write
// timeouts: callers legitimately hold connections open for a full batch
// round trip, and keepalive probes on accepted sockets detect the ones
// that silently went away.
func serve(ctx context.Context, lh *logharbour.Logger, cfg *config.AppConfig, handler http.Handler) error {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     cfg.TCPKeepalive(),
			Interval: 30 * time.Second,
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}

	srv := &http.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	lh.Info().LogActivity("Gateway listening", map[string]any{
		"addr": cfg.ListenAddr(),
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lh.Info().LogActivity("Shutting down, draining requests", map[string]any{
		"graceSecs": shutdownGrace.Seconds(),
	})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
