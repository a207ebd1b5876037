package core

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"unicode/utf8"
)

// MessageKind selects the remote send method for an OutboundMessage.
type MessageKind int

const (
	MessageText MessageKind = iota
	MessagePhoto
	MessageVideo
	MessageDocument
	MessageLocation
)

func (k MessageKind) String() string {
	switch k {
	case MessageText:
		return "text"
	case MessagePhoto:
		return "photo"
	case MessageVideo:
		return "video"
	case MessageDocument:
		return "document"
	case MessageLocation:
		return "location"
	default:
		return "unknown"
	}
}

// HasAttachment reports whether the kind carries a binary payload.
func (k MessageKind) HasAttachment() bool {
	return k == MessagePhoto || k == MessageVideo || k == MessageDocument
}

// Attachment is a binary payload. Open is called once per delivery and the
// returned stream is closed when that delivery finishes, so the same message
// can be sent to several chats.
type Attachment struct {
	Filename string
	MimeType string
	Open     func() (io.ReadCloser, error)
}

// BytesAttachment wraps an in-memory payload.
func BytesAttachment(filename, mimeType string, data []byte) *Attachment {
	return &Attachment{
		Filename: filename,
		MimeType: mimeType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileAttachment streams a file from disk on every delivery.
func FileAttachment(path, filename, mimeType string) *Attachment {
	return &Attachment{
		Filename: filename,
		MimeType: mimeType,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// InlineKeyboard is a reply markup made of button rows.
type InlineKeyboard struct {
	Rows [][]Button
}

// MarshalJSON renders the wire form {"inline_keyboard": [[...]]}.
func (k InlineKeyboard) MarshalJSON() ([]byte, error) {
	rows := k.Rows
	if rows == nil {
		rows = [][]Button{}
	}
	return json.Marshal(struct {
		InlineKeyboard [][]Button `json:"inline_keyboard"`
	}{rows})
}

// Keyboard builds a keyboard from rows.
func Keyboard(rows ...[]Button) *InlineKeyboard {
	return &InlineKeyboard{Rows: rows}
}

// KeyboardGrid lays buttons out in rows of at most perRow buttons.
func KeyboardGrid(buttons []Button, perRow int) *InlineKeyboard {
	if perRow <= 0 {
		perRow = len(buttons)
	}
	kb := &InlineKeyboard{}
	for start := 0; start < len(buttons); start += perRow {
		end := min(start+perRow, len(buttons))
		kb.Rows = append(kb.Rows, buttons[start:end])
	}
	return kb
}

// OutboundMessage is a response to deliver to one chat.
// Text is the message body for MessageText and the caption otherwise.
type OutboundMessage struct {
	Kind      MessageKind
	Text      string
	File      *Attachment
	Latitude  float64
	Longitude float64
	Markup    *InlineKeyboard
	Extra     map[string]any
}

func Text(text string) OutboundMessage {
	return OutboundMessage{Kind: MessageText, Text: text}
}

func Photo(file *Attachment, caption string) OutboundMessage {
	return OutboundMessage{Kind: MessagePhoto, File: file, Text: caption}
}

func Video(file *Attachment, caption string) OutboundMessage {
	return OutboundMessage{Kind: MessageVideo, File: file, Text: caption}
}

func Document(file *Attachment, caption string) OutboundMessage {
	return OutboundMessage{Kind: MessageDocument, File: file, Text: caption}
}

func Location(lat, lon float64) OutboundMessage {
	return OutboundMessage{Kind: MessageLocation, Latitude: lat, Longitude: lon}
}

// WithMarkup returns a copy of m carrying the keyboard.
func (m OutboundMessage) WithMarkup(kb *InlineKeyboard) OutboundMessage {
	m.Markup = kb
	return m
}

// WithExtra returns a copy of m with an extra wire field set,
// e.g. "parse_mode" or "disable_notification".
func (m OutboundMessage) WithExtra(key string, value any) OutboundMessage {
	extra := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		extra[k] = v
	}
	extra[key] = value
	m.Extra = extra
	return m
}

// HTML marks the message body as HTML.
func (m OutboundMessage) HTML() OutboundMessage {
	return m.WithExtra("parse_mode", "HTML")
}

// Response is what a handler operation returns: nil sends nothing, every
// element is sent independently and in order.
type Response []OutboundMessage

// Reply builds a Response from messages.
func Reply(msgs ...OutboundMessage) Response {
	return Response(msgs)
}

// TextReply is shorthand for a single plain text response.
func TextReply(text string) Response {
	return Response{Text(text)}
}

// Clip shortens s to at most n runes, marking the cut with "...".
func Clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// Delivery is one message addressed to one chat.
type Delivery struct {
	ChatID  int64
	Message OutboundMessage
}
