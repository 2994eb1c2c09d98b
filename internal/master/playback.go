package master

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/seanp01/Audiobook-Bot/internal/command"
	"github.com/seanp01/Audiobook-Bot/internal/position"
	"github.com/seanp01/Audiobook-Bot/internal/session"
)

var ErrNotInVoice = errors.New("listener is not in a voice channel")

// StartPlayback composes the playback seed for a listener and hands it to a
// worker: voice channel from guild state, stored position unless a chapter
// override was given, author and cover from the media service.
func (b *Bot) StartPlayback(ctx context.Context, req command.PlayRequest) error {
	voiceChannelID, err := b.voiceChannelOf(req.GuildID, req.UserID)
	if err != nil {
		return err
	}

	entry, ok := b.library.Lookup(req.Title)
	if !ok {
		return fmt.Errorf("title %q vanished from the catalog", req.Title)
	}

	pos := position.Position{Chapter: 1}
	if req.Chapter > 0 {
		pos = position.Position{Chapter: req.Chapter}
	} else {
		// Workers flush checkpoints while this process runs; pick them up
		// before composing the seed.
		b.positions.Reload()
		if stored, ok := b.positions.Get(req.UserID, entry.Title); ok {
			pos = stored
		}
	}

	seed := session.Seed{
		SessionID:      uuid.NewString(),
		UserID:         req.UserID,
		GuildID:        req.GuildID,
		VoiceChannelID: voiceChannelID,
		TextChannelID:  req.TextChannelID,
		Title:          entry.Title,
		Author:         entry.Author,
		Chapter:        pos.Chapter,
		Part:           pos.Part,
		TimestampMs:    pos.Timestamp,
	}

	// Author and cover dress the now-playing embed; playback works without
	// them, so failures only log.
	if meta, err := b.media.Metadata(ctx, entry.File); err == nil && meta.Author != "" {
		seed.Author = meta.Author
	} else if err != nil {
		b.log.Warn().Err(err).Str("title", entry.Title).Msg("metadata fetch failed")
	}
	if coverFile, err := b.media.Cover(ctx, entry.File); err == nil && coverFile != "" {
		seed.CoverURL = b.images.ImageURL(coverFile)
	} else if err != nil {
		b.log.Warn().Err(err).Str("title", entry.Title).Msg("cover fetch failed")
	}

	workerID, err := b.pool.Assign(req.UserID)
	if err != nil {
		return err
	}
	b.pool.Expect(workerID, seed.SessionID)

	if err := b.control.SendPlayback(workerID, seed); err != nil {
		b.pool.Release(workerID)
		return fmt.Errorf("worker %d unreachable: %w", workerID, err)
	}

	b.log.Info().Str("user", req.UserID).Str("title", entry.Title).
		Int("worker", workerID).Int("chapter", pos.Chapter).Msg("playback dispatched")
	return nil
}

func (b *Bot) voiceChannelOf(guildID, userID string) (string, error) {
	guild, err := b.dg.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("guild %s not in state: %w", guildID, err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", ErrNotInVoice
}
