package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tandemlab/tandem/internal/client"
	"github.com/tandemlab/tandem/internal/clocksync"
	"github.com/tandemlab/tandem/internal/gesture"
	"github.com/tandemlab/tandem/internal/store"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := loadConfig(getEnv("TANDEM_CONFIG", "tandem.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	participantID, err := loadIdentity(cfg.IdentityFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load participant identity")
	}

	log.Info().
		Str("participant_id", participantID).
		Str("display_name", cfg.DisplayName).
		Str("store_url", cfg.Store.URL).
		Str("bucket", cfg.Store.Bucket).
		Msg("starting tandem daemon")

	nc, err := store.Connect(cfg.Store.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer nc.Close()
	nc.SetClosedHandler(func(*nats.Conn) {
		log.Warn().Msg("store connection closed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucket, err := store.Open(ctx, nc, cfg.Store.Bucket)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store bucket")
	}

	// Authoritative clock offset, refreshed in the background for the whole
	// process lifetime.
	clock := clocksync.New(bucket, participantID, clockwork.NewRealClock(), clocksync.DefaultConfig())
	go func() {
		if err := clock.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("clock sync loop failed")
		}
	}()

	cli := client.New(bucket, nc, clockwork.NewRealClock(), clock, client.Config{
		ParticipantID:      participantID,
		DisplayName:        cfg.DisplayName,
		CountdownDuration:  cfg.countdownDuration(),
		Countdown2Duration: cfg.countdown2Duration(),
		Milestones:         cfg.Session.Milestones,
		Milestones2:        cfg.Session.Milestones2,
		TickInterval:       client.DefaultConfig().TickInterval,
	})

	go func() {
		if err := cli.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("client lifecycle ended")
		}
	}()

	go logEvents(ctx, cli)

	// Classifier frame feed.
	serverCfg := gesture.DefaultServerConfig()
	serverCfg.AllowedOrigins = cfg.Gesture.AllowedOrigins
	frames := gesture.NewFrameServer(serverCfg)

	go runGesturePipeline(ctx, cli, frames, cfg)

	server := &http.Server{
		Addr:         cfg.Gesture.ListenAddr,
		Handler:      frames.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("gesture frame server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("gesture frame server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gesture frame server shutdown failed")
	}

	// Disconnect cleanup must run while the store connection is still up:
	// it removes the matchmaking entry and flips presence offline.
	cli.Close(shutdownCtx)
	cancel()

	log.Info().Msg("tandem daemon shutdown complete")
}

// logEvents surfaces the lifecycle to the operator log.
func logEvents(ctx context.Context, cli *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-cli.Events():
			switch e.Kind {
			case client.EventStateChanged:
				log.Info().Str("state", string(e.State)).Msg("participant state")
			case client.EventMatched:
				log.Info().
					Str("partner_id", e.Match.PartnerID).
					Str("partner_name", e.Match.PartnerName).
					Msg("matched with partner")
			case client.EventMilestone:
				evt := log.Info().Str("phase", string(e.Milestone.Phase))
				if e.Milestone.Threshold > 0 {
					evt = evt.Int("threshold", e.Milestone.Threshold)
				}
				evt.Str("kind", string(e.Milestone.Kind)).Msg("countdown milestone")
			case client.EventPeerMessage:
				log.Debug().
					Str("type", string(e.Peer.Type)).
					Str("payload", e.Peer.Data.Payload).
					Msg("peer message")
			}
		}
	}
}

// runGesturePipeline drives calibration and then posture derivation over the
// classifier frame stream. Readiness is tied to calibration: the participant
// is marked ready once their capture completes and a session exists.
func runGesturePipeline(ctx context.Context, cli *client.Client, frames *gesture.FrameServer, cfg Config) {
	gcfg := gesture.DefaultConfig()
	if cfg.Gesture.VisibilityThreshold > 0 {
		gcfg.VisibilityThreshold = cfg.Gesture.VisibilityThreshold
	}

	calibrator := gesture.NewCalibrator(gcfg, cfg.calibrationHold(), clockwork.NewRealClock())
	bridge := gesture.NewBridge(gcfg)
	calibrated := false
	readyMarked := false

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames.Frames():
			if !calibrated {
				cal, done := calibrator.Feed(frame)
				if !done {
					continue
				}
				bridge.SetCalibration(cal)
				calibrated = true
				log.Info().
					Float64("upper_y", cal.UpperY).
					Float64("lower_y", cal.LowerY).
					Msg("posture calibration captured")
			}

			// Readiness is tied to calibration, but the session document may
			// not exist yet; keep trying on subsequent frames until it does.
			if !readyMarked && cli.SessionID() != "" {
				if err := cli.MarkReady(ctx); err != nil {
					log.Warn().Err(err).Msg("ready mark failed, will retry")
				} else {
					readyMarked = true
				}
			}

			cli.HandleGesture(ctx, bridge.Process(frame))
		}
	}
}
