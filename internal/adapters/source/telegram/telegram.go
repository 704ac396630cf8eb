// Package telegram provides the thin domain.SourceChannel identity for
// the Telegram channels this agent reads signals from. The actual
// message delivery (bot polling or webhook) is an external
// collaborator's responsibility; this adapter exists only so
// ingestion.Request.ChannelName has a concrete, named origin to log
// and key per-channel defaults off of.
package telegram

import "github.com/tradingcore/agent/internal/domain"

// Channel identifies one Telegram chat/channel signals are read from.
type Channel struct {
	name string
}

// New builds a Channel with the given identifier (typically the
// channel's configured alias, e.g. "swing-calls").
func New(name string) *Channel {
	return &Channel{name: name}
}

var _ domain.SourceChannel = (*Channel)(nil)

func (c *Channel) ChannelName() string { return c.name }
