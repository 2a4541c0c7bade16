// Package chatresolver turns a job's filter into a concrete, ordered list
// of chats to scan.
package chatresolver

import (
	"context"
	"log/slog"
	"sort"

	"github.com/zfonlyone/tg-export/internal/model"
	"github.com/zfonlyone/tg-export/internal/tdclient"
)

// Filter mirrors the job's filter fields relevant to chat selection. Date range, message-id range, and "only my messages" are applied
// later, inside the scanner — they do not affect which chats are scanned.
type Filter struct {
	Types   map[model.ChatType]bool
	ChatIDs []int64 // explicit id list; when non-empty, Types is ignored
}

// Resolve converts filter into an ordered chat list by ID. Unresolvable
// explicit ids are logged and skipped rather than aborting the whole
// resolve, matching failure mode.
func Resolve(ctx context.Context, client tdclient.Client, filter Filter) ([]model.ChatDescriptor, error) {
	if len(filter.ChatIDs) > 0 {
		return resolveExplicit(ctx, client, filter.ChatIDs)
	}
	return resolveByType(ctx, client, filter.Types)
}

func resolveExplicit(ctx context.Context, client tdclient.Client, ids []int64) ([]model.ChatDescriptor, error) {
	out := make([]model.ChatDescriptor, 0, len(ids))
	for _, rawID := range ids {
		normalized := normalizeRawID(rawID)
		chat, err := client.ResolveChat(ctx, normalized)
		if err != nil {
			slog.Warn("chat resolve failed, skipping", "chat_id", rawID, "error", err)
			continue
		}
		out = append(out, chat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func resolveByType(ctx context.Context, client tdclient.Client, types map[model.ChatType]bool) ([]model.ChatDescriptor, error) {
	var out []model.ChatDescriptor
	for chat, err := range client.IterateDialogs(ctx) {
		if err != nil {
			return nil, err
		}
		if len(types) == 0 || types[chat.Type] {
			out = append(out, chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// normalizeRawID prepends the wire-required channel prefix when the
// operator supplies a bare positive or unprefixed negative channel id.
// Channels/supergroups can't be told apart from a bare numeric id alone, so
// this only normalizes the sign/prefix convention; the resolved chat's real
// type comes back from ResolveChat.
func normalizeRawID(id int64) int64 {
	const channelPrefix = -1_000_000_000_000
	if id > 0 {
		return channelPrefix - id
	}
	if id > channelPrefix {
		return channelPrefix + id
	}
	return id
}
