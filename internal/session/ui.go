package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	embed "github.com/clinet/discordgo-embed"
)

// Button custom ids the minion routes back into the session.
const (
	ButtonPrevChapter = "ab_prev_chapter"
	ButtonBack        = "ab_back"
	ButtonPlayPause   = "ab_play_pause"
	ButtonSkip        = "ab_skip"
	ButtonNextChapter = "ab_next_chapter"
	ButtonSpeedPrefix = "ab_speed_" // followed by the multiplier, e.g. ab_speed_1.5
)

const (
	embedColor     = 0x9f7aea
	progressSlots  = 25
	progressFilled = "━"
	progressEmpty  = "─"
	progressHandle = "🔘"
)

var speedChoices = []float64{0.75, 1.0, 1.25, 1.5, 2.0}

// Messenger is the slice of discordgo the now-playing message needs.
type Messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

type uiSnapshot struct {
	title     string
	author    string
	coverURL  string
	chapter   int
	part      int
	partCount int
	paused    bool
	speed     float64
	elapsedMs int64
	chapterMs int64
}

// nowPlayingUI owns the single now-playing message: created once, then edited
// in place. A render that arrives while one is in flight is dropped, not
// queued.
type nowPlayingUI struct {
	msgr      Messenger
	channelID string

	mu        sync.Mutex
	messageID string

	editing sync.Mutex
}

func newNowPlayingUI(msgr Messenger, channelID string) *nowPlayingUI {
	return &nowPlayingUI{msgr: msgr, channelID: channelID}
}

func (u *nowPlayingUI) Render(snap uiSnapshot) {
	if !u.editing.TryLock() {
		return
	}
	defer u.editing.Unlock()

	msg := buildNowPlaying(snap)
	components := controlRows(snap)

	u.mu.Lock()
	messageID := u.messageID
	u.mu.Unlock()

	if messageID == "" {
		sent, err := u.msgr.ChannelMessageSendComplex(u.channelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{msg},
			Components: components,
		})
		if err != nil {
			return
		}
		u.mu.Lock()
		u.messageID = sent.ID
		u.mu.Unlock()
		return
	}

	u.msgr.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    u.channelID,
		Embeds:     &[]*discordgo.MessageEmbed{msg},
		Components: &components,
	})
}

// Close removes the now-playing message at session end.
func (u *nowPlayingUI) Close(reason string) {
	u.mu.Lock()
	messageID := u.messageID
	u.messageID = ""
	u.mu.Unlock()

	if messageID != "" {
		u.msgr.ChannelMessageDelete(u.channelID, messageID)
	}
}

func buildNowPlaying(snap uiSnapshot) *discordgo.MessageEmbed {
	stateIcon := "▶️"
	if snap.paused {
		stateIcon = "⏸️"
	}

	progress := fmt.Sprintf("`%s` %s `%s`",
		FormatTimestamp(snap.elapsedMs),
		progressBar(snap.elapsedMs, snap.chapterMs),
		FormatTimestamp(snap.chapterMs),
	)

	e := embed.NewEmbed().
		SetColor(embedColor).
		SetTitle(fmt.Sprintf("%s  %s", stateIcon, snap.title)).
		AddField("Chapter", fmt.Sprintf("%d · part %d/%d", snap.chapter, snap.part, snap.partCount)).
		AddField("Progress", progress)

	if snap.author != "" {
		e = e.SetDescription("by " + snap.author)
	}
	if snap.coverURL != "" {
		e = e.SetThumbnail(snap.coverURL)
	}
	if snap.speed != 1.0 {
		e = e.SetFooter(fmt.Sprintf("%gx speed", snap.speed))
	}
	return e.MessageEmbed
}

// progressBar renders a 25-slot bar with the handle at the current position.
func progressBar(elapsedMs, totalMs int64) string {
	slot := 0
	if totalMs > 0 {
		slot = int(elapsedMs * progressSlots / totalMs)
	}
	if slot < 0 {
		slot = 0
	}
	if slot > progressSlots-1 {
		slot = progressSlots - 1
	}
	return strings.Repeat(progressFilled, slot) + progressHandle + strings.Repeat(progressEmpty, progressSlots-1-slot)
}

func controlRows(snap uiSnapshot) []discordgo.MessageComponent {
	playPause := "⏸️"
	if snap.paused {
		playPause = "▶️"
	}

	controls := discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{CustomID: ButtonPrevChapter, Style: discordgo.SecondaryButton, Emoji: &discordgo.ComponentEmoji{Name: "⏮️"}},
		discordgo.Button{CustomID: ButtonBack, Style: discordgo.SecondaryButton, Emoji: &discordgo.ComponentEmoji{Name: "⏪"}},
		discordgo.Button{CustomID: ButtonPlayPause, Style: discordgo.PrimaryButton, Emoji: &discordgo.ComponentEmoji{Name: playPause}},
		discordgo.Button{CustomID: ButtonSkip, Style: discordgo.SecondaryButton, Emoji: &discordgo.ComponentEmoji{Name: "⏩"}},
		discordgo.Button{CustomID: ButtonNextChapter, Style: discordgo.SecondaryButton, Emoji: &discordgo.ComponentEmoji{Name: "⏭️"}},
	}}

	speeds := make([]discordgo.MessageComponent, 0, len(speedChoices))
	for _, sp := range speedChoices {
		style := discordgo.SecondaryButton
		if sp == snap.speed {
			style = discordgo.SuccessButton
		}
		speeds = append(speeds, discordgo.Button{
			CustomID: fmt.Sprintf("%s%g", ButtonSpeedPrefix, sp),
			Style:    style,
			Label:    fmt.Sprintf("%gx", sp),
		})
	}

	return []discordgo.MessageComponent{controls, discordgo.ActionsRow{Components: speeds}}
}
