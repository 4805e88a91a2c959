package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opsbridge/opsbridge/internal/api"
	"github.com/opsbridge/opsbridge/internal/command"
	"github.com/opsbridge/opsbridge/internal/config"
	"github.com/opsbridge/opsbridge/internal/console"
	"github.com/opsbridge/opsbridge/internal/metrics"
	"github.com/opsbridge/opsbridge/internal/session"
	"github.com/opsbridge/opsbridge/internal/store"
	"github.com/opsbridge/opsbridge/internal/workflow"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and the local console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge()
		},
	}
}

func runBridge() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Str("backend", cfg.BackendURL).
		Str("socket", cfg.SocketURL).
		Msg("opsbridge starting")

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	mx := metrics.NewCollector()
	client := api.NewClient(cfg.BackendURL, log)
	sess := session.New(cfg, client, st, mx, log)
	cmds := command.NewTracker(cfg, client, sess.Channel(), mx, log)
	wfs := workflow.NewTracker(cfg, client, sess.Channel(), mx, log)
	defer cmds.Close()
	defer wfs.Close()

	cmds.SubscribeConfirmations(func(c command.Command) {
		log.Info().Str("command", c.ID).Msg("command awaiting confirmation")
	})
	wfs.SubscribeConfirmations(func(r workflow.ConfirmationRequest) {
		log.Info().
			Str("execution", r.ExecutionID).
			Str("step", r.StepID).
			Strs("options", r.Options).
			Msg("workflow step awaiting confirmation")
	})

	// Pick up a previous session if its token is still plausible; the
	// backend has the final word via heartbeats and Validate.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	restored, err := sess.Restore(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("session restore failed")
	} else if restored {
		log.Info().Msg("previous session restored")
	}

	var srv *console.Server
	var srvErr <-chan error
	if cfg.ConsoleAddr != "" {
		srv = console.New(cfg.ConsoleAddr, sess, client, cmds, wfs, mx, log)
		srvErr, err = srv.Start()
		if err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-srvErr:
		if err != nil {
			log.Error().Err(err).Msg("console failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("console shutdown")
		}
	}
	if err := sess.Logout(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("logout on shutdown")
	}
	log.Info().Msg("opsbridge stopped")
	return nil
}
