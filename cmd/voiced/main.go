package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/adapters/ctlapi"
	"github.com/pulsarchat/voicelink/internal/adapters/signalws"
	"github.com/pulsarchat/voicelink/internal/app"
	"github.com/pulsarchat/voicelink/internal/config"
	"github.com/pulsarchat/voicelink/internal/domain"

	// Capture device drivers register themselves on import.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	localID := domain.UserID(os.Getenv("VOICE_USER_ID"))
	if localID == "" {
		log.Error().Msg("VOICE_USER_ID is required")
		os.Exit(1)
	}
	signalToken := os.Getenv("VOICE_SIGNAL_TOKEN")

	// The client is both the signal channel and the routing-server
	// transport; it and the orchestrator reference each other, so the
	// intake side is bound after construction.
	client := signalws.NewClient(cfg, signalToken)
	orch := app.NewOrchestrator(cfg, localID, client, client)
	client.Bind(orch, orch.RPC())

	go client.Run(ctx)
	go drainNotices(ctx, orch)

	r := ctlapi.SetupRouter(cfg, orch)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.APIPort)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(localID)).Msg("voicelink started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if _, ok := orch.Channel(); ok {
		if err := orch.Leave(); err != nil {
			log.Warn().Err(err).Msg("leave on shutdown")
		}
	}
	client.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}

func drainNotices(ctx context.Context, orch *app.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-orch.Notices():
			log.Warn().Str("kind", string(n.Kind)).Str("detail", n.Detail).Msg("voice notice")
		}
	}
}
