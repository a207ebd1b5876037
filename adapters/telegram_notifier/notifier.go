package telegram_notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jdelaire/telebots/core"
)

const chunkSize = 16 * 1024

// API is the part of the Bot API client the notifier needs.
type API interface {
	Call(ctx context.Context, method string, params any, out any) error
	CallMultipart(ctx context.Context, method, contentType string, body io.Reader, out any) error
}

// Notifier turns OutboundMessages into Bot API send calls. Text and
// locations go out as JSON; attachments are streamed as multipart/form-data
// so files are never fully buffered.
type Notifier struct {
	api    API
	logger *slog.Logger
}

// New creates a Notifier.
func New(api API, logger *slog.Logger) *Notifier {
	return &Notifier{api: api, logger: logger}
}

func (n *Notifier) Name() string { return "telegram" }

// Send delivers msg to chatID. It implements core.MessageSender.
func (n *Notifier) Send(ctx context.Context, chatID int64, msg core.OutboundMessage) error {
	method, err := methodFor(msg.Kind)
	if err != nil {
		return err
	}

	if !msg.Kind.HasAttachment() {
		params, err := jsonParams(chatID, msg)
		if err != nil {
			return err
		}
		return n.api.Call(ctx, method, params, nil)
	}

	if msg.File == nil || msg.File.Open == nil {
		return &core.EncodingError{Field: fieldFor(msg.Kind), Err: fmt.Errorf("missing attachment")}
	}
	file, err := msg.File.Open()
	if err != nil {
		return &core.EncodingError{Field: fieldFor(msg.Kind), Err: err}
	}

	pr, pw := io.Pipe()
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	contentType := "multipart/form-data; boundary=" + boundary

	go func() {
		defer file.Close()
		pw.CloseWithError(Encode(pw, boundary, chatID, msg, file))
	}()

	err = n.api.CallMultipart(ctx, method, contentType, pr, nil)
	// Unblock the encoder if the request ended before reading everything.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		n.logger.Debug("multipart send failed", "method", method, "chat_id", chatID, "error", err)
	}
	return err
}

func methodFor(kind core.MessageKind) (string, error) {
	switch kind {
	case core.MessageText:
		return "sendMessage", nil
	case core.MessagePhoto:
		return "sendPhoto", nil
	case core.MessageVideo:
		return "sendVideo", nil
	case core.MessageDocument:
		return "sendDocument", nil
	case core.MessageLocation:
		return "sendLocation", nil
	default:
		return "", &core.EncodingError{Field: "kind", Err: fmt.Errorf("unsupported message kind %d", kind)}
	}
}

// fieldFor is the form field carrying the file for an attachment kind.
func fieldFor(kind core.MessageKind) string {
	switch kind {
	case core.MessagePhoto:
		return "photo"
	case core.MessageVideo:
		return "video"
	default:
		return "document"
	}
}

// jsonParams builds the JSON body. Extra is applied last and overrides
// the fields derived from the message.
func jsonParams(chatID int64, msg core.OutboundMessage) (map[string]any, error) {
	params := make(map[string]any, len(msg.Extra)+4)
	params["chat_id"] = chatID

	switch msg.Kind {
	case core.MessageText:
		if msg.Text == "" {
			return nil, &core.EncodingError{Field: "text", Err: fmt.Errorf("empty message text")}
		}
		params["text"] = msg.Text
	case core.MessageLocation:
		params["latitude"] = msg.Latitude
		params["longitude"] = msg.Longitude
	}
	if msg.Markup != nil {
		params["reply_markup"] = msg.Markup
	}
	for k, v := range msg.Extra {
		params[k] = v
	}
	return params, nil
}

// Encode writes the multipart body for an attachment message: scalar
// fields first, each written once with Extra overriding, then the file
// part streamed from file in fixed chunks.
func Encode(w io.Writer, boundary string, chatID int64, msg core.OutboundMessage, file io.Reader) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return &core.EncodingError{Field: "boundary", Err: err}
	}

	fields := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
	}
	if msg.Text != "" {
		fields["caption"] = msg.Text
	}
	if msg.Markup != nil {
		markup, err := json.Marshal(msg.Markup)
		if err != nil {
			return &core.EncodingError{Field: "reply_markup", Err: err}
		}
		fields["reply_markup"] = string(markup)
	}
	for k, v := range msg.Extra {
		fields[k] = fmt.Sprint(v)
	}

	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if err := mw.WriteField(name, fields[name]); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	filename := msg.File.Filename
	if filename == "" {
		filename = fieldFor(msg.Kind)
	}
	mimeType := msg.File.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		fieldFor(msg.Kind), escapeQuotes(filename)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.CopyBuffer(part, file, make([]byte, chunkSize)); err != nil {
		return fmt.Errorf("stream %s: %w", filename, err)
	}

	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
