package main

import (
	"context"
	"log/slog"

	"github.com/veil-vest/veil-vest/internal/session"
)

// watchSession logs identity changes until ctx ends. An identity on another chain is connected but
// every claim it starts is refused, so it is logged as a warning.
func watchSession(ctx context.Context, sess *session.Session, chainID uint64, log *slog.Logger) {
	events, cancel := sess.Subscribe(8)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case !ev.Connected:
				log.Info("session disconnected", "account", ev.Identity.Account.Hex())
			case ev.Identity.ChainID != chainID:
				log.Warn("session connected on another chain; claims will be refused", "account", ev.Identity.Account.Hex(), "chainID", ev.Identity.ChainID, "want", chainID)
			default:
				log.Info("session connected", "account", ev.Identity.Account.Hex(), "chainID", ev.Identity.ChainID)
			}
		}
	}
}
