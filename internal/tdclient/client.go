// Package tdclient maintains one authenticated connection to the messaging
// service and exposes the five primitives the rest of the engine is built
// on: dialog iteration, history iteration, chat resolution, ranged download,
// and reference refresh. It is the only package that talks to the wire client library
// directly.
package tdclient

import (
	"context"
	"iter"

	"github.com/zfonlyone/tg-export/internal/model"
)

// Client is the Client Session contract. A Client is shared by every job
// belonging to one authenticated user and must serialize its own outbound
// calls internally.
type Client interface {
	// IterateDialogs yields every chat the session currently knows about.
	// The sequence is finite and not restartable — callers page to
	// completion in one pass.
	IterateDialogs(ctx context.Context) iter.Seq2[model.ChatDescriptor, error]

	// IterateHistory yields messages for chat with id strictly greater than
	// minID, in strictly ascending id order.
	IterateHistory(ctx context.Context, chat model.ChatDescriptor, minID int64) iter.Seq2[model.MessageRecord, error]

	// ResolveChat looks up one chat by its raw (operator-supplied) numeric
	// id, normalizing the wire-required prefix where necessary.
	ResolveChat(ctx context.Context, rawID int64) (model.ChatDescriptor, error)

	// Download fetches chunkSize bytes starting at offset for the media
	// object ref identifies. Returns fewer than chunkSize bytes only at
	// end-of-file.
	Download(ctx context.Context, ref model.MediaRef, offset, chunkSize int64) ([]byte, error)

	// RefreshReference obtains a live MediaRef for the media of the given
	// message when a prior one has expired.
	RefreshReference(ctx context.Context, chatID, messageID int64) (model.MediaRef, error)

	// Close releases the underlying connection.
	Close() error
}
