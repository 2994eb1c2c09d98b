// Package audiobook implements the /audiobook slash command: starting
// playback, browsing the library and resuming in-progress books.
package audiobook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	embed "github.com/clinet/discordgo-embed"

	"github.com/seanp01/Audiobook-Bot/internal/bot"
	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/command"
	"github.com/seanp01/Audiobook-Bot/internal/dispatch"
	"github.com/seanp01/Audiobook-Bot/internal/session"
)

const (
	pageSize       = 10
	resumePrefix   = "resume_"
	libPagePrefix  = "lib_page_"
	requestTimeout = 90 * time.Second
)

type Audiobook struct{}

func (a *Audiobook) Name() string { return "audiobook" }

func (a *Audiobook) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "audiobook",
		Description: "Listen to audiobooks in your voice channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "play",
				Description: "Play an audiobook, resuming where you left off",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "title",
						Description: "Book title, close matches accepted",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "chapter",
						Description: "Start from a specific chapter instead",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "library",
				Description: "Browse the audiobook library",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "genre",
						Description: "Only this genre",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "author",
						Description: "Only this author",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "search",
						Description: "Title contains this text",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "in-progress",
				Description: "Books you are partway through",
			},
		},
	}
}

func (a *Audiobook) Run(ctx *command.Context) error {
	data := ctx.Event.ApplicationCommandData()
	if len(data.Options) == 0 {
		return bot.RespondEphemeral(ctx.Session, ctx.Event, "Pick a subcommand.")
	}

	sub := data.Options[0]
	switch sub.Name {
	case "play":
		return a.runPlay(ctx, sub)
	case "library":
		return a.runLibrary(ctx, sub)
	case "in-progress":
		return a.runInProgress(ctx)
	}
	return bot.RespondEphemeral(ctx.Session, ctx.Event, "Unknown subcommand.")
}

func (a *Audiobook) runPlay(ctx *command.Context, sub *discordgo.ApplicationCommandInteractionDataOption) error {
	var title string
	var chapter int
	for _, opt := range sub.Options {
		switch opt.Name {
		case "title":
			title = opt.StringValue()
		case "chapter":
			chapter = int(opt.IntValue())
		}
	}

	return a.startPlayback(ctx, title, chapter)
}

func (a *Audiobook) startPlayback(ctx *command.Context, title string, chapter int) error {
	member := ctx.Event.Member
	if member == nil {
		return bot.RespondEphemeral(ctx.Session, ctx.Event, "Audiobooks only play in a server.")
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	entry, err := ctx.Deps.Library.FindClosestMatch(reqCtx, title)
	if errors.Is(err, catalog.ErrNoMatch) {
		return bot.RespondEphemeral(ctx.Session, ctx.Event,
			fmt.Sprintf("Nothing in the library matches **%s**.", title))
	}
	if err != nil {
		return err
	}

	if err := bot.RespondDeferred(ctx.Session, ctx.Event); err != nil {
		return err
	}

	err = ctx.Deps.Dispatch.StartPlayback(reqCtx, command.PlayRequest{
		UserID:        member.User.ID,
		GuildID:       ctx.Event.GuildID,
		TextChannelID: ctx.Event.ChannelID,
		Title:         entry.Title,
		Chapter:       chapter,
	})
	switch {
	case errors.Is(err, dispatch.ErrNoWorkers):
		return bot.FollowupEphemeral(ctx.Session, ctx.Event,
			"Every player is busy right now. Try again in a bit.")
	case err != nil:
		ctx.Deps.Log.Error().Err(err).Str("title", entry.Title).Msg("playback dispatch failed")
		return bot.FollowupEphemeral(ctx.Session, ctx.Event,
			fmt.Sprintf("Could not start **%s**: %v", entry.Title, err))
	}

	return bot.FollowupEphemeral(ctx.Session, ctx.Event,
		fmt.Sprintf("Starting **%s**.", entry.Title))
}

func (a *Audiobook) runInProgress(ctx *command.Context) error {
	member := ctx.Event.Member
	if member == nil {
		return bot.RespondEphemeral(ctx.Session, ctx.Event, "Audiobooks only play in a server.")
	}

	books := ctx.Deps.Positions.InProgress(member.User.ID)
	if len(books) == 0 {
		return bot.RespondEphemeral(ctx.Session, ctx.Event, "No books in progress. Start one with `/audiobook play`.")
	}

	// One resume button per stored book, five to a row.
	var rows []discordgo.MessageComponent
	var row []discordgo.MessageComponent
	for _, b := range books {
		if len(rows) == 5 {
			break
		}
		label := b.Title
		if len(label) > 80 {
			label = label[:80]
		}
		row = append(row, discordgo.Button{
			CustomID: resumePrefix + b.Title,
			Style:    discordgo.PrimaryButton,
			Label:    label,
		})
		if len(row) == 5 {
			rows = append(rows, discordgo.ActionsRow{Components: row})
			row = nil
		}
	}
	if len(row) > 0 && len(rows) < 5 {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}

	lines := make([]string, 0, len(books))
	for _, b := range books {
		lines = append(lines, fmt.Sprintf("**%s** — chapter %d, %s",
			b.Title, b.Position.Chapter, session.FormatTimestamp(b.Position.Timestamp)))
	}

	msg := embed.NewEmbed().
		SetColor(bot.EmbedColor).
		SetTitle("📖 In progress").
		SetDescription(strings.Join(lines, "\n"))

	return ctx.Session.InteractionRespond(ctx.Event.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:      discordgo.MessageFlagsEphemeral,
			Embeds:     []*discordgo.MessageEmbed{msg.MessageEmbed},
			Components: rows,
		},
	})
}

func (a *Audiobook) ComponentPrefixes() []string {
	return []string{resumePrefix, libPagePrefix}
}

func (a *Audiobook) Component(ctx *command.Context, customID string) error {
	switch {
	case strings.HasPrefix(customID, resumePrefix):
		return a.startPlayback(ctx, strings.TrimPrefix(customID, resumePrefix), 0)
	case strings.HasPrefix(customID, libPagePrefix):
		return a.flipLibraryPage(ctx, strings.TrimPrefix(customID, libPagePrefix))
	}
	return nil
}

