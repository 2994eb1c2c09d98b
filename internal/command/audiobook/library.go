package audiobook

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	embed "github.com/clinet/discordgo-embed"

	"github.com/seanp01/Audiobook-Bot/internal/bot"
	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/command"
)

func (a *Audiobook) runLibrary(ctx *command.Context, sub *discordgo.ApplicationCommandInteractionDataOption) error {
	var filter catalog.Filter
	for _, opt := range sub.Options {
		switch opt.Name {
		case "genre":
			filter.Genre = opt.StringValue()
		case "author":
			filter.Author = opt.StringValue()
		case "search":
			filter.Search = opt.StringValue()
		}
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	entries := ctx.Deps.Library.Browse(reqCtx, filter)
	if len(entries) == 0 {
		return bot.RespondEphemeral(ctx.Session, ctx.Event, "The library has nothing matching that.")
	}

	msg, components := libraryPage(entries, filter, 0)
	return bot.RespondEmbedComponents(ctx.Session, ctx.Event, msg, components)
}

// flipLibraryPage re-runs the browse for a pagination button. The custom id
// carries the page and the filter, so the listing survives master restarts.
func (a *Audiobook) flipLibraryPage(ctx *command.Context, state string) error {
	page, filter := decodePageState(state)

	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	entries := ctx.Deps.Library.Browse(reqCtx, filter)
	if len(entries) == 0 {
		return bot.Acknowledge(ctx.Session, ctx.Event)
	}

	msg, components := libraryPage(entries, filter, page)
	return bot.UpdateMessage(ctx.Session, ctx.Event, msg, components)
}

func libraryPage(entries []catalog.Entry, filter catalog.Filter, page int) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	pages := (len(entries) + pageSize - 1) / pageSize
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}

	start := page * pageSize
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}

	var lines []string
	for _, e := range entries[start:end] {
		line := "**" + e.Title + "**"
		if e.Author != "" {
			line += " — " + e.Author
		}
		if e.DurationSeconds > 0 {
			line += fmt.Sprintf(" (%dh%02dm)", e.DurationSeconds/3600, (e.DurationSeconds/60)%60)
		}
		lines = append(lines, line)
	}

	title := "📚 Library"
	if filter.Genre != "" {
		title += " · " + filter.Genre
	}
	if filter.Author != "" {
		title += " · " + filter.Author
	}

	msg := embed.NewEmbed().
		SetColor(bot.EmbedColor).
		SetTitle(title).
		SetDescription(strings.Join(lines, "\n")).
		SetFooter(fmt.Sprintf("Page %d of %d · %d books", page+1, pages, len(entries)))

	components := []discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{
			CustomID: libPagePrefix + encodePageState(page-1, filter),
			Style:    discordgo.SecondaryButton,
			Label:    "Prev",
			Disabled: page == 0,
		},
		discordgo.Button{
			CustomID: libPagePrefix + encodePageState(page+1, filter),
			Style:    discordgo.SecondaryButton,
			Label:    "Next",
			Disabled: page >= pages-1,
		},
	}}}

	return msg.MessageEmbed, components
}

// Page state rides inside the button custom id as page|genre|author|search.
func encodePageState(page int, f catalog.Filter) string {
	return fmt.Sprintf("%d|%s|%s|%s", page, f.Genre, f.Author, f.Search)
}

func decodePageState(state string) (int, catalog.Filter) {
	fields := strings.SplitN(state, "|", 4)
	page, _ := strconv.Atoi(fields[0])
	f := catalog.Filter{}
	if len(fields) > 1 {
		f.Genre = fields[1]
	}
	if len(fields) > 2 {
		f.Author = fields[2]
	}
	if len(fields) > 3 {
		f.Search = fields[3]
	}
	return page, f
}

func init() {
	command.Register(&Audiobook{})
}
