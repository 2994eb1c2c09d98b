// Package minion runs one playback worker: a Discord bot of its own that
// receives playback seeds from the master, plays them in voice, and reports
// session lifecycle back.
package minion

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/config"
	"github.com/seanp01/Audiobook-Bot/internal/player"
	"github.com/seanp01/Audiobook-Bot/internal/position"
	"github.com/seanp01/Audiobook-Bot/internal/session"
	"github.com/seanp01/Audiobook-Bot/internal/transcode"
)

const cacheClearInterval = time.Hour

type Bot struct {
	dg        *discordgo.Session
	cfg       *config.Config
	workerID  int
	library   *catalog.Library
	gateway   *transcode.Gateway
	positions *position.Store
	control   *ControlClient
	log       zerolog.Logger

	mu      sync.Mutex
	current *session.Session
}

func New(cfg *config.Config, workerID int, dg *discordgo.Session, library *catalog.Library, gateway *transcode.Gateway, positions *position.Store, log zerolog.Logger) *Bot {
	b := &Bot{
		dg:        dg,
		cfg:       cfg,
		workerID:  workerID,
		library:   library,
		gateway:   gateway,
		positions: positions,
		log:       log.With().Str("part", "minion").Int("worker", workerID).Logger(),
	}
	b.control = NewControlClient(cfg.ControlAddr, workerID, b.handlePlayback, b.log)
	return b
}

// Run opens the Discord session, dials the master and blocks until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages

	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onInteractionCreate)
	b.dg.AddHandler(b.onVoiceStateUpdate)

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	go b.control.Run(ctx)
	go b.clearCachesHourly(ctx)

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received")
	if s := b.session(); s != nil {
		s.End("worker shutting down")
	}
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Str("user", r.User.Username).Msg("worker connected to Discord")
}

func (b *Bot) session() *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Bot) setSession(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = s
}

// handlePlayback starts a session from a master seed, ending whatever was
// playing before. The master believes this worker is busy from the moment it
// sent the seed; session_start confirms it.
func (b *Bot) handlePlayback(seed session.Seed) {
	if old := b.session(); old != nil {
		old.End("replaced by new playback")
	}

	// Anything derived for other listeners is leftover from a crash.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	b.gateway.Sweep(sweepCtx, map[string]bool{seed.UserID: true})
	cancel()

	voice := player.New(b.dg, seed.GuildID, b.log)
	sess := session.New(seed, voice, b.library, b.gateway, b.positions, b.dg, func(reason string) {
		b.setSession(nil)
		if err := b.control.SessionEnded(seed.SessionID, seed.UserID); err != nil {
			b.log.Warn().Err(err).Msg("session_end report failed")
		}
	}, b.log)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()

	if err := sess.Start(startCtx); err != nil {
		b.log.Error().Err(err).Str("title", seed.Title).Msg("session start failed")
		sess.End("start failed")
		return
	}

	b.setSession(sess)
	if err := b.control.SessionStarted(seed.SessionID, seed.UserID); err != nil {
		b.log.Warn().Err(err).Msg("session_start report failed")
	}
}

// onInteractionCreate routes playback buttons into the running session.
func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	customID := i.MessageComponentData().CustomID
	if !strings.HasPrefix(customID, "ab_") {
		return
	}

	// Consume the press immediately; the embed edit carries the new state.
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})

	sess := b.session()
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch customID {
	case session.ButtonPlayPause:
		err = sess.TogglePause()
	case session.ButtonSkip:
		err = sess.Skip(ctx)
	case session.ButtonBack:
		err = sess.Back(ctx)
	case session.ButtonNextChapter:
		err = sess.ChangeChapter(ctx, 1)
	case session.ButtonPrevChapter:
		err = sess.ChangeChapter(ctx, -1)
	default:
		if rest, found := strings.CutPrefix(customID, session.ButtonSpeedPrefix); found {
			if speed, perr := strconv.ParseFloat(rest, 64); perr == nil {
				err = sess.ChangeSpeed(ctx, speed)
			}
		}
	}
	if err != nil {
		b.log.Warn().Err(err).Str("custom_id", customID).Msg("control failed")
	}
}

// onVoiceStateUpdate ends the session when its listener leaves the channel.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	sess := b.session()
	if sess == nil {
		return
	}
	seed := sess.SeedInfo()
	if v.UserID != seed.UserID {
		return
	}
	if v.ChannelID == seed.VoiceChannelID {
		return
	}
	b.log.Info().Str("user", v.UserID).Msg("listener left the voice channel")
	sess.End("listener left")
}

func (b *Bot) clearCachesHourly(ctx context.Context) {
	tick := time.NewTicker(cacheClearInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			b.gateway.ClearCaches()
			b.log.Debug().Msg("duration caches cleared")
		}
	}
}
