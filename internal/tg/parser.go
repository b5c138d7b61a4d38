package tg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"github.com/matheus3301/tgb/internal/store"
)

// The functions in this file are pure: MTProto objects in, store values
// out. Nothing here touches the network or the database.

func chatFromUser(u *tg.User) store.Chat {
	title := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if title == "" {
		title = u.Username
	}
	return store.Chat{
		ChatID:     u.ID,
		Title:      title,
		Username:   u.Username,
		Kind:       store.KindUser,
		AccessHash: u.AccessHash,
	}
}

func chatFromChat(c *tg.Chat) store.Chat {
	return store.Chat{
		ChatID: c.ID,
		Title:  c.Title,
		Kind:   store.KindGroup,
	}
}

func chatFromChannel(c *tg.Channel) store.Chat {
	kind := store.KindChannel
	if c.Megagroup {
		kind = store.KindSupergroup
	}
	return store.Chat{
		ChatID:     c.ID,
		Title:      c.Title,
		Username:   c.Username,
		Kind:       kind,
		AccessHash: c.AccessHash,
	}
}

// peerID extracts the bare numeric ID from any peer variant. The kind
// column disambiguates; IDs are stored unprefixed.
func peerID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return v.ChatID
	case *tg.PeerChannel:
		return v.ChannelID
	}
	return 0
}

// senderName resolves a display name for the message author from the
// user set returned alongside the history page. Channel posts have no
// user author and come back empty.
func senderName(from tg.PeerClass, users map[int64]*tg.User) string {
	u, ok := from.(*tg.PeerUser)
	if !ok {
		return ""
	}
	usr, ok := users[u.UserID]
	if !ok {
		return ""
	}
	name := strings.TrimSpace(usr.FirstName + " " + usr.LastName)
	if name == "" {
		name = usr.Username
	}
	return name
}

type mediaInfo struct {
	Type       string
	ID         int64
	AccessHash int64
	Reference  []byte
	Thumb      string
	Name       string
	Size       int64
	Mime       string
}

// classifyMedia maps an MTProto media attachment onto the four-way media
// enum. Attachments we cannot place (polls, geo, contacts, webpages)
// report no media at all; unknown document flavors land in "document"
// so they stay downloadable.
func classifyMedia(media tg.MessageMediaClass) (mediaInfo, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.Photo.(*tg.Photo)
		if !ok {
			return mediaInfo{}, false
		}
		thumb, size := largestPhotoSize(p.Sizes)
		return mediaInfo{
			Type:       store.MediaPhoto,
			ID:         p.ID,
			AccessHash: p.AccessHash,
			Reference:  p.FileReference,
			Thumb:      thumb,
			Size:       size,
			Mime:       "image/jpeg",
		}, true
	case *tg.MessageMediaDocument:
		d, ok := m.Document.(*tg.Document)
		if !ok {
			return mediaInfo{}, false
		}
		info := mediaInfo{
			Type:       classifyDocument(d),
			ID:         d.ID,
			AccessHash: d.AccessHash,
			Reference:  d.FileReference,
			Size:       d.Size,
			Mime:       d.MimeType,
		}
		for _, attr := range d.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				info.Name = fn.FileName
			}
		}
		return info, true
	}
	return mediaInfo{}, false
}

// classifyDocument decides photo/video/audio/document for a document by
// its attributes first, its MIME type second.
func classifyDocument(d *tg.Document) string {
	for _, attr := range d.Attributes {
		switch attr.(type) {
		case *tg.DocumentAttributeAudio:
			// Voice notes count as audio.
			return store.MediaAudio
		case *tg.DocumentAttributeVideo:
			// Round video messages count as video.
			return store.MediaVideo
		}
	}
	switch {
	case strings.HasPrefix(d.MimeType, "video/"):
		return store.MediaVideo
	case strings.HasPrefix(d.MimeType, "audio/"):
		return store.MediaAudio
	case strings.HasPrefix(d.MimeType, "image/"):
		return store.MediaPhoto
	}
	return store.MediaDocument
}

// largestPhotoSize picks the biggest size variant of a photo: its type
// string is what upload.getFile wants in ThumbSize.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (thumb string, size int64) {
	best := -1
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			if area := v.W * v.H; area > best {
				best = area
				thumb = v.Type
				size = int64(v.Size)
			}
		case *tg.PhotoSizeProgressive:
			if area := v.W * v.H; area > best {
				best = area
				thumb = v.Type
				if n := len(v.Sizes); n > 0 {
					size = int64(v.Sizes[n-1])
				}
			}
		}
	}
	return thumb, size
}

// messageFromTG normalizes a single history message into a store row.
func messageFromTG(chatID int64, m *tg.Message, users map[int64]*tg.User) store.Message {
	out := store.Message{
		ChatID:    chatID,
		MessageID: int64(m.ID),
		Body:      m.Message,
		FromMe:    m.Out,
		Timestamp: int64(m.Date) * 1000,
	}
	if from, ok := m.GetFromID(); ok {
		out.SenderID = peerID(from)
		out.SenderName = senderName(from, users)
	}

	media, ok := m.GetMedia()
	if !ok {
		return out
	}
	info, ok := classifyMedia(media)
	if !ok {
		return out
	}

	out.HasMedia = true
	out.MediaType = info.Type
	out.FileID = strconv.FormatInt(info.ID, 10)
	out.FileAccessHash = info.AccessHash
	out.FileReference = info.Reference
	out.FileThumb = info.Thumb
	out.FileName = info.Name
	out.FileSize = info.Size
	out.MimeType = info.Mime
	if out.FileName == "" {
		switch info.Type {
		case store.MediaPhoto:
			out.FileName = fmt.Sprintf("photo_%d.jpg", m.ID)
		default:
			out.FileName = fmt.Sprintf("file_%d", m.ID)
		}
	}
	return out
}

// userIndex builds an ID lookup over the user set attached to a response.
func userIndex(users []tg.UserClass) map[int64]*tg.User {
	idx := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if usr, ok := u.(*tg.User); ok {
			idx[usr.ID] = usr
		}
	}
	return idx
}
