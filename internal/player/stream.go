package player

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

// runPlayback drains the PCM stream into the voice connection one opus frame
// at a time. Returns true when the stream ran to its natural end, false when
// it was stopped.
func (p *Player) runPlayback(vc *discordgo.VoiceConnection, stream io.ReadCloser, cleanup func(), stop <-chan struct{}) bool {
	defer cleanup()
	defer stream.Close()

	encoder, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		p.log.Error().Err(err).Msg("opus encoder init failed")
		return false
	}

	vc.Speaking(true)
	defer vc.Speaking(false)

	pcm := make([]int16, frameSize*channels)
	for {
		select {
		case <-stop:
			return false
		default:
		}

		if p.paused.Load() {
			time.Sleep(frameMs * time.Millisecond)
			continue
		}

		err := binary.Read(stream, binary.LittleEndian, &pcm)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return true
		}
		if err != nil {
			p.log.Error().Err(err).Msg("pcm read failed")
			return false
		}

		opus, err := encoder.Encode(pcm, frameSize, frameSize*channels*2)
		if err != nil {
			p.log.Error().Err(err).Msg("opus encode failed")
			return false
		}

		select {
		case vc.OpusSend <- opus:
			p.elapsedMs.Add(frameMs)
		case <-stop:
			return false
		case <-time.After(2 * time.Second):
			p.log.Error().Msg("opus send timed out, voice connection stalled")
			return false
		}
	}
}
