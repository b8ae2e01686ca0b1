// Command batchengine is a runnable demonstration of the batching engine:
// it reads newline-delimited "userID:text" lines from stdin, feeds them
// through a BatchingService, and logs each dispatched batch. It exists to
// exercise the engine end to end, not as a production message gateway.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaybatch/dispatch-engine/internal/batching"
	"github.com/relaybatch/dispatch-engine/internal/dedupstore"
	"github.com/relaybatch/dispatch-engine/internal/metrics"
	"github.com/relaybatch/dispatch-engine/pkg/config"
	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batchengine",
		Short: "Demo server for the per-user message batching and dispatch engine",
		RunE:  runServe,
	}
	cmd.Flags().String("backpressure", "DROP_NEW",
		"Backpressure strategy: DROP_NEW, DROP_OLDEST, REJECT_WITH_NOTIFICATION, BLOCK_UNTIL_SPACE, FLUSH_AND_ACCEPT")
	cmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics on")
	cmd.Flags().Bool("no-redis", false, "Disable the Redis dedup store and run without deduplication")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	appCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(appCfg.LogLevel),
		Output:     os.Stdout,
		JSON:       appCfg.LogJSON,
		TimeFormat: time.Kitchen,
	})
	ctx := logger.ContextWithLogger(context.Background(), log)

	strategyFlag, _ := cmd.Flags().GetString("backpressure")
	strategy := batching.BackpressureStrategy(strings.ToUpper(strategyFlag))

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	noRedis, _ := cmd.Flags().GetBool("no-redis")

	bcfg := appCfg.ToBatchingConfig()
	bcfg.BackpressureStrategy = strategy
	bcfg.ErrorHandling.DeadLetterHandler = loggingDeadLetterHandler{log: log}
	if strategy == batching.RejectWithNotification {
		bcfg.NotificationHandler = func(userID string, msg batching.InboundMessage) {
			log.Warn("message rejected by backpressure policy", "user_id", userID, "message_id", msg.MessageID())
		}
	}

	opts := []batching.Option{
		batching.WithMetrics(metrics.New()),
	}

	if !noRedis {
		rc := redis.NewClient(&redis.Options{Addr: appCfg.RedisAddr})
		defer rc.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unavailable, running without deduplication", "error", err, "addr", appCfg.RedisAddr)
		} else {
			opts = append(opts, batching.WithMessageStore(dedupstore.New(rc, dedupstore.DefaultTTL)))
		}
	}

	svc, err := batching.NewBatchingService(bcfg, loggingProcessor{log: log}, opts...)
	if err != nil {
		return fmt.Errorf("constructing batching service: %w", err)
	}

	stopMetricsServer := serveMetrics(log, metricsAddr)
	defer stopMetricsServer()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readStdin(sigCtx, log, svc)

	<-sigCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}

func serveMetrics(log logger.Logger, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// readStdin parses "userID:text" lines and feeds them to svc. A bare line
// with no colon is treated as belonging to user "anonymous".
func readStdin(ctx context.Context, log logger.Logger, svc *batching.BatchingService) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		userID, text := "anonymous", line
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			userID, text = line[:idx], line[idx+1:]
		}
		msg := demoMessage{userID: userID, messageID: uuid.NewString(), text: text}
		if err := svc.ReceiveMessage(ctx, msg); err != nil {
			log.Warn("message rejected", "user_id", userID, "error", err)
		}
	}
}

type demoMessage struct {
	userID    string
	messageID string
	text      string
}

func (m demoMessage) UserID() string    { return m.userID }
func (m demoMessage) MessageID() string { return m.messageID }

type loggingProcessor struct {
	log logger.Logger
}

func (p loggingProcessor) Process(
	_ context.Context,
	userID string,
	messages []batching.InboundMessage,
	hctx batching.HookContext,
) error {
	p.log.Info("dispatching batch",
		"user_id", userID,
		"batch_size", hctx.BatchSize,
		"attempt", hctx.Attempt,
		"texts", joinTexts(messages),
	)
	return nil
}

type loggingDeadLetterHandler struct {
	log logger.Logger
}

func (h loggingDeadLetterHandler) OnDeadLetter(
	_ context.Context,
	userID string,
	messages []batching.InboundMessage,
	lastErr error,
) {
	h.log.Error("batch dead-lettered", "user_id", userID, "size", strconv.Itoa(len(messages)), "error", lastErr)
}

func joinTexts(messages []batching.InboundMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if dm, ok := m.(demoMessage); ok {
			parts = append(parts, dm.text)
		}
	}
	return strings.Join(parts, " | ")
}
