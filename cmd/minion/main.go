package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bwmarrin/discordgo"

	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/config"
	"github.com/seanp01/Audiobook-Bot/internal/logging"
	"github.com/seanp01/Audiobook-Bot/internal/media"
	"github.com/seanp01/Audiobook-Bot/internal/minion"
	"github.com/seanp01/Audiobook-Bot/internal/position"
	"github.com/seanp01/Audiobook-Bot/internal/transcode"
)

func main() {
	if len(os.Args) < 2 {
		panic("usage: minion <worker-id>")
	}
	workerID, err := strconv.Atoi(os.Args[1])
	if err != nil {
		panic("worker id must be a number: " + os.Args[1])
	}

	cfg, err := config.New()
	if err != nil {
		panic(err)
	}
	log := logging.Setup("minion-"+os.Args[1], cfg.LogDir, cfg.LogLevel)

	token := config.MinionToken(os.Args[1])
	if token == "" {
		log.Fatal().Int("worker", workerID).Msg("minion bot token is not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mediaClient := media.NewClient(cfg.MediaServiceURL, log)
	library := catalog.NewLibrary(mediaClient, cfg.LibraryRoot, log)
	gateway := transcode.NewGateway(mediaClient, log)

	positions, err := position.New(cfg.PositionPath, cfg.FlushInterval, log)
	if err != nil {
		log.Fatal().Err(err).Msg("position store init failed")
	}
	defer positions.Close()

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		log.Fatal().Err(err).Msg("discord session init failed")
	}

	bot := minion.New(cfg, workerID, dg, library, gateway, positions, log)

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
			log.Error().Err(err).Msg("worker bot failed")
		}
		cancel()
	}

	log.Info().Int("worker", workerID).Msg("worker exited")
}
