package tg

import (
	"context"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"go.uber.org/zap"
)

// NewClient builds the MTProto client with file-backed session storage.
// Authenticating the session (phone, code, 2FA) happens out of band; the
// daemon only ever picks up an already-authorized session file. updates
// receives the server push stream, see EventHandler.Dispatcher.
func NewClient(apiID int, apiHash, sessionPath string, updates telegram.UpdateHandler, log *zap.Logger) *telegram.Client {
	return telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
		UpdateHandler:  updates,
		Logger:         log.Named("mtproto"),
	})
}

// Authorized reports whether the session file holds a usable login.
func Authorized(ctx context.Context, client *telegram.Client) (bool, error) {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Authorized, nil
}
