// Package driver is the automation boundary to the web front end. The core
// only ever talks to the Driver interface; the rod implementation carries
// the DOM scraping mechanics and the mock carries scripted behavior for
// tests and mock mode.
package driver

import (
	"context"
	"errors"

	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/pipeline"
	"github.com/quailyquaily/wabridge/switchplan"
)

var (
	// ErrLoginTimeout means the login QR was never scanned in time.
	ErrLoginTimeout = errors.New("driver: login timed out")
	// ErrDriverFailure wraps navigation and scrape failures. Transient;
	// the orchestrator retries on a later cycle.
	ErrDriverFailure = errors.New("driver: operation failed")
)

// UnreadChat is one row of the unread list, exactly as the UI shows it.
type UnreadChat struct {
	RawTitle    string
	UnreadCount int
	IsGroup     bool
}

// Driver is a mutually-exclusive resource: callers serialize through one
// lock per call and never hold it across a worker invocation.
type Driver interface {
	// Login waits for an authenticated session. onQR is invoked with each
	// fresh QR payload while waiting; it may be nil.
	Login(ctx context.Context, onQR func(payload string)) error

	// ListUnread returns unread chats in UI order.
	ListUnread(ctx context.Context) ([]UnreadChat, error)

	// Open executes a switch plan. The error carries detail only when the
	// outcome is DriverFailure.
	Open(ctx context.Context, plan switchplan.Plan) (switchplan.Outcome, error)

	// FetchHistory scrapes one page of the active chat's history. Page 0 is
	// the most recent.
	FetchHistory(ctx context.Context, page, size int) ([]pipeline.Message, error)

	// Send writes content into the active conversation for target.
	Send(ctx context.Context, target identity.ChatIdentity, content string) error

	// ActiveChatTitle reads the current conversation header.
	ActiveChatTitle(ctx context.Context) (string, error)

	// ActiveChatToken reads the opaque conversation token of the active
	// chat. Returns "" when none is visible yet; the caller keys the chat
	// by title until a token appears.
	ActiveChatToken(ctx context.Context) (string, error)

	// DownloadMedia captures the payload of the most recent media bubbles
	// of the given type in the active chat.
	DownloadMedia(ctx context.Context, kind pipeline.Type) ([][]byte, error)

	Close() error
}
