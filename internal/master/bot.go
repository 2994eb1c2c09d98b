// Package master runs the dispatcher bot: the public Discord identity that
// owns the /audiobook command, hands playback to workers and supervises them.
package master

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/bot"
	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/command"
	"github.com/seanp01/Audiobook-Bot/internal/config"
	"github.com/seanp01/Audiobook-Bot/internal/dispatch"
	"github.com/seanp01/Audiobook-Bot/internal/imagehost"
	"github.com/seanp01/Audiobook-Bot/internal/media"
	"github.com/seanp01/Audiobook-Bot/internal/position"
)

type Bot struct {
	dg        *discordgo.Session
	cfg       *config.Config
	library   *catalog.Library
	positions *position.Store
	media     *media.Client
	pool      *dispatch.Pool
	control   *dispatch.Control
	images    *imagehost.Server
	log       zerolog.Logger
}

func New(cfg *config.Config, dg *discordgo.Session, library *catalog.Library, positions *position.Store, mediaClient *media.Client, pool *dispatch.Pool, control *dispatch.Control, images *imagehost.Server, log zerolog.Logger) *Bot {
	return &Bot{
		dg:        dg,
		cfg:       cfg,
		library:   library,
		positions: positions,
		media:     mediaClient,
		pool:      pool,
		control:   control,
		images:    images,
		log:       log.With().Str("part", "master").Logger(),
	}
}

// Run opens the Discord session and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages

	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onInteractionCreate)

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received")
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Str("user", r.User.Username).Msg("dispatcher connected")
	if err := b.syncCommands(); err != nil {
		b.log.Error().Err(err).Msg("slash command sync failed")
	}
}

// syncCommands deletes stale slash commands and registers the current set.
func (b *Bot) syncCommands() error {
	appID := b.dg.State.User.ID
	guildID := b.cfg.GuildID

	local := make(map[string]*discordgo.ApplicationCommand)
	for _, c := range command.All() {
		local[c.Name()] = c.Definition()
	}

	remote, err := b.dg.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("list remote commands: %w", err)
	}
	for _, rc := range remote {
		if _, keep := local[rc.Name]; keep {
			continue
		}
		b.log.Info().Str("command", rc.Name).Msg("deleting stale command")
		if err := b.dg.ApplicationCommandDelete(appID, guildID, rc.ID); err != nil {
			b.log.Error().Err(err).Str("command", rc.Name).Msg("stale command delete failed")
		}
	}

	for name, def := range local {
		if _, err := b.dg.ApplicationCommandCreate(appID, guildID, def); err != nil {
			b.log.Error().Err(err).Str("command", name).Msg("command registration failed")
		} else {
			b.log.Info().Str("command", name).Msg("command registered")
		}
		time.Sleep(25 * time.Millisecond)
	}
	return nil
}

func (b *Bot) deps() *command.Deps {
	return &command.Deps{
		Library:   b.library,
		Positions: b.positions,
		Dispatch:  b,
		Log:       b.log,
	}
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		cmd, ok := command.Get(name)
		if !ok {
			b.log.Warn().Str("command", name).Msg("unknown command")
			return
		}
		ctx := &command.Context{Session: s, Event: i, Deps: b.deps()}
		if err := cmd.Run(ctx); err != nil {
			b.log.Error().Err(err).Str("command", name).Msg("command failed")
			bot.RespondEphemeral(s, i, fmt.Sprintf("That went wrong: %v", err))
		}

	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		for _, cmd := range command.All() {
			handler, ok := cmd.(command.ComponentHandler)
			if !ok {
				continue
			}
			for _, prefix := range handler.ComponentPrefixes() {
				if strings.HasPrefix(customID, prefix) {
					ctx := &command.Context{Session: s, Event: i, Deps: b.deps()}
					if err := handler.Component(ctx, customID); err != nil {
						b.log.Error().Err(err).Str("custom_id", customID).Msg("component failed")
					}
					return
				}
			}
		}
		b.log.Debug().Str("custom_id", customID).Msg("component not handled here")
	}
}
