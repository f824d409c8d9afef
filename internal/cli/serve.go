package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()
	eng, log := a.engine, a.log

	if eng.LLM != nil {
		log.Info("completion provider", zap.String("provider", a.cfg.LLM.Provider), zap.String("model", a.cfg.LLM.Model))
	}
	if eng.Embedder != nil {
		log.Info("embedder", zap.String("model", eng.Embedder.Model()))
	}

	// Backfill vectors, then load the index. Both run off the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := eng.EmbedMissing(ctx); err != nil {
			log.Warn("embed missing", zap.Error(err))
		} else if n > 0 {
			log.Info("embedded missing memories", zap.Int("count", n))
		}
		if eng.Index != nil {
			if n, err := eng.RebuildIndex(ctx); err != nil {
				log.Warn("rebuild index", zap.Error(err))
			} else {
				log.Info("vector index loaded", zap.Int("count", n))
			}
		}
	}()

	if a.cfg.Scheduler.Enabled {
		eng.StartScheduler(a.cfg.Scheduler.IntervalDuration())
	}

	srv := server.New(a.db, eng, VersionString(), log)
	addr := a.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("kindred serving", zap.String("addr", addr), zap.String("db", a.db.Path))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return err
	}
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
