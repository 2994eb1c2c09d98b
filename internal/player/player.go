// Package player streams one audio segment at a time into a Discord voice
// connection: ffmpeg decodes to PCM, gopus encodes to opus frames, and the
// send loop keeps a frame-accurate playback position.
package player

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	channels   = 2
	sampleRate = 48000
	frameSize  = 960 // 20ms at 48kHz
	frameMs    = 20
)

var ErrNothingPlaying = errors.New("no segment is currently playing")

type Player struct {
	mu      sync.Mutex
	dg      *discordgo.Session
	guildID string

	channelID string
	vc        *discordgo.VoiceConnection

	playing      bool
	paused       atomic.Bool
	elapsedMs    atomic.Int64
	stopPlayback chan struct{}
	playbackDone chan struct{}

	log zerolog.Logger
}

func New(dg *discordgo.Session, guildID string, log zerolog.Logger) *Player {
	return &Player{
		dg:      dg,
		guildID: guildID,
		log:     log.With().Str("part", "player").Logger(),
	}
}

// Connect joins the voice channel, reusing a live connection to the same
// channel.
func (p *Player) Connect(channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vc != nil && p.vc.ChannelID == channelID {
		return nil
	}
	vc, err := p.dg.ChannelVoiceJoin(p.guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("failed to join voice channel: %w", err)
	}
	p.vc = vc
	p.channelID = channelID
	p.log.Info().Str("channel", channelID).Msg("joined voice channel")
	return nil
}

// Play starts streaming path from startMs. Any segment already playing is
// stopped first. onComplete fires once when the segment drains naturally;
// it never fires on Stop.
func (p *Player) Play(path string, startMs int64, onComplete func()) error {
	p.Stop()

	p.mu.Lock()
	if p.vc == nil {
		p.mu.Unlock()
		return errors.New("voice connection is not set")
	}
	vc := p.vc

	stream, cleanup, err := pcmStream(path, startMs)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open PCM stream: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	p.stopPlayback = stop
	p.playbackDone = done
	p.playing = true
	p.paused.Store(false)
	p.elapsedMs.Store(0)
	p.mu.Unlock()

	p.log.Info().Str("path", path).Int64("start_ms", startMs).Msg("starting segment")

	go func() {
		completed := p.runPlayback(vc, stream, cleanup, stop)
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		close(done)
		if completed && onComplete != nil {
			onComplete()
		}
	}()

	return nil
}

// Stop halts the current segment without firing its completion callback.
// Safe to call when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	stop := p.stopPlayback
	done := p.playbackDone
	p.mu.Unlock()

	close(stop)
	<-done
}

// Pause suspends the send loop; frames stop, the connection stays up.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return ErrNothingPlaying
	}
	p.paused.Store(true)
	return nil
}

// Resume continues a paused segment.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return ErrNothingPlaying
	}
	p.paused.Store(false)
	return nil
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.paused.Load()
}

func (p *Player) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && p.paused.Load()
}

// PositionMs is the play position within the current segment, counted from
// frames actually sent.
func (p *Player) PositionMs() int64 {
	return p.elapsedMs.Load()
}

// Disconnect leaves the voice channel.
func (p *Player) Disconnect() {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vc != nil {
		p.vc.Disconnect()
		p.vc = nil
		p.channelID = ""
		p.log.Info().Msg("voice connection destroyed")
	}
}
