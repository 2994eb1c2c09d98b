// Package command is the master bot's slash command registry.
package command

import (
	"context"
	"sort"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/catalog"
	"github.com/seanp01/Audiobook-Bot/internal/position"
)

// PlayRequest is what a command hands the master to start playback.
type PlayRequest struct {
	UserID        string
	GuildID       string
	TextChannelID string
	Title         string
	Chapter       int // 0 means resume from the stored position
}

// Dispatcher starts playback on a worker. Implemented by the master.
type Dispatcher interface {
	StartPlayback(ctx context.Context, req PlayRequest) error
}

// Deps are the master-side services commands run against.
type Deps struct {
	Library   *catalog.Library
	Positions *position.Store
	Dispatch  Dispatcher
	Log       zerolog.Logger
}

// Context carries one interaction through a command.
type Context struct {
	Session *discordgo.Session
	Event   *discordgo.InteractionCreate
	Deps    *Deps
}

type Command interface {
	Name() string
	Definition() *discordgo.ApplicationCommand
	Run(ctx *Context) error
}

// ComponentHandler is implemented by commands that own button interactions,
// claimed by custom id prefix.
type ComponentHandler interface {
	ComponentPrefixes() []string
	Component(ctx *Context, customID string) error
}

var registry = map[string]Command{}

func Register(cmd Command) {
	registry[cmd.Name()] = cmd
}

func Get(name string) (Command, bool) {
	cmd, ok := registry[name]
	return cmd, ok
}

func All() []Command {
	list := make([]Command, 0, len(registry))
	for _, cmd := range registry {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}
