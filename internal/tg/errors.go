package tg

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"
)

// ErrNotFound reports that the remote side does not know the requested
// peer, message or file. It is terminal: retrying cannot help.
var ErrNotFound = errors.New("not found upstream")

// ErrDownloadIncomplete reports that a transfer ended with fewer bytes
// than the declared file size. The partial data is discarded by the
// caller; the download can be retried.
var ErrDownloadIncomplete = errors.New("download incomplete")

// RateLimitedError carries the server-declared FLOOD_WAIT duration. The
// adapter absorbs these internally by sleeping; the type exists so tests
// and logs can inspect the pause.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps a call that kept failing after the retry budget
// was spent. The last underlying error is preserved.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// notFoundCodes are RPC errors that mean the target does not exist or is
// not visible to this account.
var notFoundCodes = []string{
	"PEER_ID_INVALID",
	"USER_ID_INVALID",
	"CHAT_ID_INVALID",
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"MSG_ID_INVALID",
	"FILE_ID_INVALID",
	"LOCATION_INVALID",
}

func isNotFound(err error) bool {
	return tgerr.Is(err, notFoundCodes...)
}
