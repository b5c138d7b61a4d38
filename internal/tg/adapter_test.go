package tg

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/store"
)

type fakeAPI struct {
	dialogs func(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	history func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	file    func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
}

func (f *fakeAPI) MessagesGetDialogs(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
	return f.dialogs(ctx, req)
}

func (f *fakeAPI) MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	return f.history(ctx, req)
}

func (f *fakeAPI) UploadGetFile(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
	return f.file(ctx, req)
}

// testAdapter builds an adapter whose sleeps are recorded instead of
// slept, with a limiter too fast to matter.
func testAdapter(api API) (*Adapter, *[]time.Duration) {
	a := NewAdapter(api, 1e6, zap.NewNop())
	var slept []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return a, &slept
}

func TestRetryFloodWaitSleepsAndRetries(t *testing.T) {
	calls := 0
	api := &fakeAPI{history: func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		calls++
		if calls == 1 {
			return nil, tgerr.New(420, "FLOOD_WAIT_3")
		}
		return &tg.MessagesMessages{}, nil
	}}
	a, slept := testAdapter(api)

	msgs, err := a.ListMessages(context.Background(), Peer{Kind: store.KindUser, ID: 1}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Errorf("expected empty page, got %v", msgs)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (retry after flood wait)", calls)
	}
	if len(*slept) != 1 || (*slept)[0] != 4*time.Second {
		t.Errorf("slept = %v, want one 4s pause (3s declared + 1s slack)", *slept)
	}
}

func TestRetryFloodWaitDoesNotBurnAttempts(t *testing.T) {
	calls := 0
	api := &fakeAPI{history: func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		calls++
		if calls <= maxAttempts+2 {
			return nil, tgerr.New(420, "FLOOD_WAIT_1")
		}
		return &tg.MessagesMessages{}, nil
	}}
	a, _ := testAdapter(api)

	if _, err := a.ListMessages(context.Background(), Peer{Kind: store.KindUser, ID: 1}, 0, 10); err != nil {
		t.Fatalf("flood waits beyond the attempt cap must still succeed: %v", err)
	}
}

func TestRetryNotFoundSurfacesImmediately(t *testing.T) {
	calls := 0
	api := &fakeAPI{history: func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		calls++
		return nil, tgerr.New(400, "PEER_ID_INVALID")
	}}
	a, slept := testAdapter(api)

	_, err := a.ListMessages(context.Background(), Peer{Kind: store.KindUser, ID: 1}, 0, 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on not-found)", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept = %v, want none", *slept)
	}
}

func TestRetryTransientExhaustsBudget(t *testing.T) {
	calls := 0
	api := &fakeAPI{history: func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		calls++
		return nil, errors.New("connection reset")
	}}
	a, slept := testAdapter(api)

	_, err := a.ListMessages(context.Background(), Peer{Kind: store.KindUser, ID: 1}, 0, 10)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransientError", err)
	}
	if te.Attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", te.Attempts, maxAttempts)
	}
	if calls != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
	if len(*slept) != maxAttempts-1 {
		t.Errorf("slept %d times, want %d (no sleep after final attempt)", len(*slept), maxAttempts-1)
	}
}

func TestRetryCancelledContextStops(t *testing.T) {
	api := &fakeAPI{history: func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		return nil, context.Canceled
	}}
	a, _ := testAdapter(api)

	_, err := a.ListMessages(context.Background(), Peer{Kind: store.KindUser, ID: 1}, 0, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestListMessagesNormalizesPage(t *testing.T) {
	api := &fakeAPI{history: func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
		if req.OffsetID != 100 {
			t.Errorf("offset id = %d, want 100", req.OffsetID)
		}
		res := &tg.MessagesMessagesSlice{}
		res.Messages = []tg.MessageClass{
			newTestMessage(99, "newest", 300),
			&tg.MessageService{ID: 98}, // dropped
			newTestMessage(97, "older", 100),
		}
		res.Users = []tg.UserClass{&tg.User{ID: 100, FirstName: "Alice"}}
		return res, nil
	}}
	a, _ := testAdapter(api)

	msgs, err := a.ListMessages(context.Background(), Peer{Kind: store.KindUser, ID: 7}, 100, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (service message dropped)", len(msgs))
	}
	if msgs[0].MessageID != 99 || msgs[1].MessageID != 97 {
		t.Errorf("order = %d, %d, want newest first", msgs[0].MessageID, msgs[1].MessageID)
	}
	if msgs[0].ChatID != 7 {
		t.Errorf("chat id = %d, want 7", msgs[0].ChatID)
	}
	if msgs[0].SenderName != "Alice" {
		t.Errorf("sender = %q, want Alice", msgs[0].SenderName)
	}
}

func TestListChatsNormalizesDialogs(t *testing.T) {
	api := &fakeAPI{dialogs: func(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
		res := &tg.MessagesDialogs{}
		res.Dialogs = []tg.DialogClass{
			&tg.Dialog{Peer: &tg.PeerUser{UserID: 100}, TopMessage: 5},
			&tg.Dialog{Peer: &tg.PeerChannel{ChannelID: 500}, TopMessage: 9},
		}
		res.Users = []tg.UserClass{&tg.User{ID: 100, FirstName: "Alice", AccessHash: 11}}
		res.Chats = []tg.ChatClass{&tg.Channel{ID: 500, Title: "News", AccessHash: 22}}
		top := &tg.Message{ID: 5, Date: 1700000000}
		top.PeerID = &tg.PeerUser{UserID: 100}
		res.Messages = []tg.MessageClass{top}
		return res, nil
	}}
	a, _ := testAdapter(api)

	chats, err := a.ListChats(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ChatID != 100 || chats[0].Kind != store.KindUser || chats[0].AccessHash != 11 {
		t.Errorf("user chat = %+v", chats[0])
	}
	if chats[0].LastMessageAt != 1700000000000 {
		t.Errorf("last message at = %d, want top message date in millis", chats[0].LastMessageAt)
	}
	if chats[1].ChatID != 500 || chats[1].Kind != store.KindChannel {
		t.Errorf("channel chat = %+v", chats[1])
	}
}

func TestFetchBlobChunks(t *testing.T) {
	blob := make([]byte, blobChunkSize+1234)
	for i := range blob {
		blob[i] = byte(i % 251)
	}

	api := &fakeAPI{file: func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
		if _, ok := req.Location.(*tg.InputDocumentFileLocation); !ok {
			t.Errorf("location = %T, want document location", req.Location)
		}
		end := req.Offset + int64(req.Limit)
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		return &tg.UploadFile{Bytes: blob[req.Offset:end]}, nil
	}}
	a, _ := testAdapter(api)

	var buf bytes.Buffer
	ref := FileRef{ID: 1, AccessHash: 2, Reference: []byte{0x01}}
	if err := a.FetchBlob(context.Background(), ref, int64(len(blob)), &buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), blob) {
		t.Error("fetched blob differs from source")
	}
}

func TestFetchBlobSizeMismatch(t *testing.T) {
	api := &fakeAPI{file: func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
		return &tg.UploadFile{Bytes: []byte("short")}, nil
	}}
	a, _ := testAdapter(api)

	var buf bytes.Buffer
	err := a.FetchBlob(context.Background(), FileRef{ID: 1}, 9999, &buf)
	if err == nil {
		t.Fatal("expected truncation error")
	}
	if !errors.Is(err, ErrDownloadIncomplete) {
		t.Errorf("err = %v, want ErrDownloadIncomplete", err)
	}
}

func TestFileRefFromMessage(t *testing.T) {
	m := &store.Message{
		ChatID: 1, MessageID: 2, HasMedia: true, MediaType: store.MediaPhoto,
		FileID: "12345", FileAccessHash: 99, FileReference: []byte{0xFF}, FileThumb: "x",
	}
	ref, err := FileRefFromMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != 12345 || !ref.Photo || ref.ThumbSize != "x" {
		t.Errorf("ref = %+v", ref)
	}
	if _, ok := ref.location().(*tg.InputPhotoFileLocation); !ok {
		t.Errorf("photo ref should build a photo location")
	}

	if _, err := FileRefFromMessage(&store.Message{ChatID: 1, MessageID: 3}); err == nil {
		t.Error("expected error for message without media")
	}
}

func newTestMessage(id int, body string, date int) *tg.Message {
	m := &tg.Message{ID: id, Message: body, Date: date}
	m.SetFromID(&tg.PeerUser{UserID: 100})
	return m
}
