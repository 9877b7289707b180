package main

import (
	"context"
	"log/slog"
	"sync"

	"tools.zach/dev/ps4cord/internal/discord"
	"tools.zach/dev/ps4cord/internal/presence"
)

// ///////////////////////////////////////////////
// Discord Publisher
// ///////////////////////////////////////////////

// ipcClient is the part of [discord.Client] the publisher drives.
type ipcClient interface {
	Connect() error
	ConnectWithRetry(ctx context.Context, tries uint) error
	Connected() bool
	SetActivity(a *discord.Activity) error
	ClearActivity() error
	Close() error
	AppID() string
}

// discordPublisher adapts a Discord IPC client to [presence.Publisher]. The
// client is replaced when the configured application id changes.
type discordPublisher struct {
	mu     sync.Mutex
	client ipcClient
	newFn  func(appID string) ipcClient
}

func newDiscordPublisher(appID string) *discordPublisher {
	newFn := func(id string) ipcClient { return discord.NewClient(id) }
	return &discordPublisher{client: newFn(appID), newFn: newFn}
}

func (p *discordPublisher) current() ipcClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// SetAppID closes the current client and switches to appID. It reports
// whether the id changed.
func (p *discordPublisher) SetAppID(appID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client.AppID() == appID {
		return false
	}
	if err := p.client.Close(); err != nil {
		slog.Debug("closing discord client", "error", err)
	}
	p.client = p.newFn(appID)
	slog.Info("discord application changed", "client_id", appID)
	return true
}

func (p *discordPublisher) Connect() error { return p.current().Connect() }

func (p *discordPublisher) Connected() bool { return p.current().Connected() }

func (p *discordPublisher) ClearActivity() error { return p.current().ClearActivity() }

func (p *discordPublisher) Close() error { return p.current().Close() }

// ConnectWithRetry connects the current client with backoff.
func (p *discordPublisher) ConnectWithRetry(ctx context.Context, tries uint) error {
	return p.current().ConnectWithRetry(ctx, tries)
}

// SetActivity sends p as a Discord activity.
func (p *discordPublisher) SetActivity(pl presence.Payload) error {
	return p.current().SetActivity(toDiscordActivity(pl))
}

// toDiscordActivity converts a payload into the IPC wire type, omitting
// empty optional sections.
func toDiscordActivity(p presence.Payload) *discord.Activity {
	a := &discord.Activity{
		Details: p.Details,
		State:   p.State,
	}
	if !p.Start.IsZero() {
		a.Timestamps = &discord.Timestamps{Start: p.Start.Unix()}
	}
	if p.LargeImage != "" || p.LargeText != "" {
		a.Assets = &discord.Assets{
			LargeImage: p.LargeImage,
			LargeText:  p.LargeText,
		}
	}
	return a
}
