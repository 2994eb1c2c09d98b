package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	_ "github.com/seanp01/Audiobook-Bot/internal/command/audiobook"

	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/config"
	"github.com/seanp01/Audiobook-Bot/internal/dispatch"
	"github.com/seanp01/Audiobook-Bot/internal/imagehost"
	"github.com/seanp01/Audiobook-Bot/internal/logging"
	"github.com/seanp01/Audiobook-Bot/internal/master"
	"github.com/seanp01/Audiobook-Bot/internal/media"
	"github.com/seanp01/Audiobook-Bot/internal/position"
)

func main() {
	cfg := config.MustNewMaster()
	log := logging.Setup("master", cfg.LogDir, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mediaClient := media.NewClient(cfg.MediaServiceURL, log)
	library := catalog.NewLibrary(mediaClient, cfg.LibraryRoot, log)

	positions, err := position.New(cfg.PositionPath, cfg.FlushInterval, log)
	if err != nil {
		log.Fatal().Err(err).Msg("position store init failed")
	}
	defer positions.Close()

	images := imagehost.New(cfg.ImageHostAddr, cfg.ImageBaseURL, cfg.ImageDir, log)
	if err := images.Start(); err != nil {
		log.Fatal().Err(err).Msg("image host init failed")
	}
	defer images.Shutdown(context.Background())

	pool := dispatch.NewPool(cfg.WorkerCount)
	control := dispatch.NewControl(cfg.ControlAddr, pool, log)
	control.Start()
	defer control.Shutdown(context.Background())

	supervisor := dispatch.NewSupervisor(cfg.MinionBin, cfg.WorkerCount, pool, log)
	go supervisor.Run(ctx)

	// Warm the catalog so the first /audiobook doesn't pay for the fetch.
	warmCtx, warmCancel := context.WithTimeout(ctx, time.Minute)
	if err := library.Refresh(warmCtx); err != nil {
		log.Warn().Err(err).Msg("initial catalog fetch failed, will retry on demand")
	}
	warmCancel()

	dg, err := discordgo.New("Bot " + cfg.MasterToken)
	if err != nil {
		log.Fatal().Err(err).Msg("discord session init failed")
	}

	bot := master.New(cfg, dg, library, positions, mediaClient, pool, control, images, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("dispatcher bot failed")
		}
		cancel()
	}

	log.Info().Msg("dispatcher exited")
}
