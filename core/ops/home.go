package ops

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jdelaire/telebots/core"
	"github.com/jdelaire/telebots/internal/sensors"
)

const videosPerRow = 7

var recordingName = regexp.MustCompile(`^\d{8}_(\d{2})(\d{2})\d{2}\.mp4$`)

// SubscriptionStore persists who receives each sensor's alerts.
// store.Store implements it.
type SubscriptionStore interface {
	Subscribe(sensor string, chatID int64) error
	Unsubscribe(sensor string, chatID int64) error
	Subscription(sensor string, chatID int64) (on, found bool, err error)
	Subscribers(sensor string) ([]int64, error)
}

// HomeConfig configures a HomeHandler.
type HomeConfig struct {
	Sensors     []*sensors.Sensor
	Admins      []int64
	Store       SubscriptionStore
	MotionDir   string
	SnapshotURL string
	TriggerGap  time.Duration
}

// HomeHandler reports sensor states, alerts subscribers on sensor changes
// and relays camera photos and videos.
type HomeHandler struct {
	sensors     []*sensors.Sensor
	byName      map[string]*sensors.Sensor
	admins      []int64
	store       SubscriptionStore
	motionDir   string
	snapshotURL string
	gap         time.Duration
	http        *http.Client
	clock       clockwork.Clock
	logger      *slog.Logger

	out     core.Outbox
	oneShot map[string][]int64
}

// NewHomeHandler creates the home handler.
func NewHomeHandler(cfg HomeConfig, logger *slog.Logger) *HomeHandler {
	h := &HomeHandler{
		sensors:     cfg.Sensors,
		byName:      make(map[string]*sensors.Sensor, len(cfg.Sensors)),
		admins:      cfg.Admins,
		store:       cfg.Store,
		motionDir:   cfg.MotionDir,
		snapshotURL: cfg.SnapshotURL,
		gap:         cfg.TriggerGap,
		http:        &http.Client{Timeout: 10 * time.Second},
		clock:       clockwork.NewRealClock(),
		logger:      logger,
		oneShot:     make(map[string][]int64),
	}
	for _, s := range cfg.Sensors {
		h.byName[s.Name] = s
	}
	return h
}

// WithClock replaces the clock used for alert gaps and state ages.
func (h *HomeHandler) WithClock(c clockwork.Clock) *HomeHandler {
	h.clock = c
	return h
}

func (h *HomeHandler) Name() string { return "home" }

func (h *HomeHandler) Bind(out core.Outbox) { h.out = out }

func (h *HomeHandler) Commands() []core.CommandSpec {
	return []core.CommandSpec{
		{Name: "/status", Description: "Sensor states", Run: h.status},
		{Name: "/sensor", Description: "Sensor details and alert subscription", Run: h.sensor},
		{Name: "/sub", Description: "Send me the next camera video (/sub off to cancel)", Run: h.subscribeVideo},
		{Name: "/photo", Description: "Take a camera snapshot", Run: h.photo},
		{Name: "/video", Description: "List or send motion recordings", Run: h.video},
	}
}

func (h *HomeHandler) Events() []core.EventSpec {
	return []core.EventSpec{
		{Name: sensors.EventSensor, Run: h.onSensor},
		{Name: sensors.EventNotify, Run: h.onNotify},
		{Name: sensors.EventCamera, Run: h.onCamera},
	}
}

func (h *HomeHandler) status(_ context.Context, _ core.Command) (core.Response, error) {
	now := h.clock.Now()
	var lines []string
	for _, s := range h.sensors {
		if !s.Dummy() {
			lines = append(lines, s.Summary(now))
		}
	}
	if len(lines) == 0 {
		return core.TextReply("No sensors configured"), nil
	}
	return core.Reply(core.Text(strings.Join(lines, "\n")).HTML()), nil
}

func (h *HomeHandler) sensorMenu() core.Response {
	buttons := make([]core.Button, 0, len(h.sensors))
	for _, s := range h.sensors {
		buttons = append(buttons, core.Button{Text: s.Name, CallbackData: "/sensor " + s.Name})
	}
	kb := core.Keyboard(buttons, []core.Button{{Text: "Back", CallbackData: "/sensor"}})
	return core.Reply(core.Text("Which sensor?").WithMarkup(kb))
}

func (h *HomeHandler) sensor(_ context.Context, cmd core.Command) (core.Response, error) {
	s, ok := h.byName[cmd.Arg(0)]
	if !ok {
		return h.sensorMenu(), nil
	}

	chatID := cmd.Update.ChatID
	if len(cmd.Args) < 2 {
		text := s.Details(h.clock.Now())
		if on, err := h.isSubscribed(s, chatID); err == nil {
			text += fmt.Sprintf("\n<b>subscribed</b>: %t", on)
		}
		kb := core.Keyboard(
			[]core.Button{
				{Text: "Subscribe", CallbackData: "/sensor " + s.Name + " 1"},
				{Text: "Unsubscribe", CallbackData: "/sensor " + s.Name + " 0"},
			},
			[]core.Button{{Text: "Back", CallbackData: "/sensor"}},
		)
		return core.Reply(core.Text(text).HTML().WithMarkup(kb)), nil
	}

	flag, err := strconv.Atoi(cmd.Arg(1))
	if err != nil {
		return core.TextReply("Usage: /sensor <name> 1|0"), nil
	}
	if h.store == nil {
		return nil, fmt.Errorf("subscriptions are not persisted")
	}
	if flag > 0 {
		err = h.store.Subscribe(s.Name, chatID)
	} else {
		err = h.store.Unsubscribe(s.Name, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return core.Reply(core.Text(fmt.Sprintf("Sensor <b>%s</b> changed", html.EscapeString(s.Name))).HTML()), nil
}

func (h *HomeHandler) cameras() []*sensors.Sensor {
	var out []*sensors.Sensor
	for _, s := range h.sensors {
		if s.Event() == sensors.EventCamera {
			out = append(out, s)
		}
	}
	return out
}

func (h *HomeHandler) subscribeVideo(_ context.Context, cmd core.Command) (core.Response, error) {
	chatID := cmd.Update.ChatID
	if cmd.Arg(0) == "off" {
		for name := range h.oneShot {
			h.oneShot[name] = removeChat(h.oneShot[name], chatID)
		}
		return core.TextReply("Video subscription cancelled"), nil
	}

	targets := h.cameras()
	if name := cmd.Arg(0); name != "" {
		s, ok := h.byName[name]
		if !ok || s.Event() != sensors.EventCamera {
			return core.TextReply(fmt.Sprintf("Unknown camera %s", name)), nil
		}
		targets = []*sensors.Sensor{s}
	}
	if len(targets) == 0 {
		return core.TextReply("No cameras configured"), nil
	}

	names := make([]string, 0, len(targets))
	for _, cam := range targets {
		if !containsChat(h.oneShot[cam.Name], chatID) {
			h.oneShot[cam.Name] = append(h.oneShot[cam.Name], chatID)
		}
		names = append(names, cam.Name)
	}
	return core.TextReply("Next video from " + strings.Join(names, ", ") + " will be sent"), nil
}

func (h *HomeHandler) photo(ctx context.Context, _ core.Command) (core.Response, error) {
	if h.snapshotURL == "" {
		return core.TextReply("Snapshot URL is not configured"), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("snapshot request: status %d", resp.StatusCode)
	}
	return core.TextReply("Snapshot requested"), nil
}

func (h *HomeHandler) video(_ context.Context, cmd core.Command) (core.Response, error) {
	if h.motionDir == "" {
		return core.TextReply("Motion directory is not configured"), nil
	}

	name := cmd.Arg(0)
	if name == "" {
		files, err := h.recordings()
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return core.TextReply("No recordings"), nil
		}
		buttons := make([]core.Button, 0, len(files))
		for _, f := range files {
			buttons = append(buttons, core.Button{Text: recordingTime(f), CallbackData: "/video " + f})
		}
		return core.Reply(core.Text("Which video?").WithMarkup(core.KeyboardGrid(buttons, videosPerRow))), nil
	}

	if !recordingName.MatchString(name) {
		return core.TextReply(fmt.Sprintf("Invalid recording name %s", name)), nil
	}
	path := filepath.Join(h.motionDir, name)
	if _, err := os.Stat(path); err != nil {
		return core.TextReply(fmt.Sprintf("Recording %s not found", name)), nil
	}
	return core.Reply(core.Video(core.FileAttachment(path, "video.mp4", "video/mp4"), recordingTime(name))), nil
}

// recordings lists motion files newest first.
func (h *HomeHandler) recordings() ([]string, error) {
	entries, err := os.ReadDir(h.motionDir)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && recordingName.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

func recordingTime(name string) string {
	m := recordingName.FindStringSubmatch(name)
	if m == nil {
		return name
	}
	return m[1] + ":" + m[2]
}

// subscribers returns the chats that receive alerts for s: explicit
// subscribers, plus admins that did not opt out when s is on by default.
func (h *HomeHandler) subscribers(s *sensors.Sensor) []int64 {
	var chats []int64
	if h.store != nil {
		ids, err := h.store.Subscribers(s.Name)
		if err != nil {
			h.logger.Warn("failed to load subscribers", "sensor", s.Name, "error", err)
		}
		chats = append(chats, ids...)
	}
	if s.DefaultOn {
		for _, admin := range h.admins {
			if on, err := h.isSubscribed(s, admin); err == nil && on && !containsChat(chats, admin) {
				chats = append(chats, admin)
			}
		}
	}
	return chats
}

func (h *HomeHandler) isSubscribed(s *sensors.Sensor, chatID int64) (bool, error) {
	if h.store == nil {
		return s.DefaultOn && containsChat(h.admins, chatID), nil
	}
	on, found, err := h.store.Subscription(s.Name, chatID)
	if err != nil {
		return false, err
	}
	if !found {
		return s.DefaultOn && containsChat(h.admins, chatID), nil
	}
	return on, nil
}

// eventArgs unpacks (sensor name, topic, payload) as sent by the MQTT bridge.
func (h *HomeHandler) eventArgs(data []any) (*sensors.Sensor, string, []byte, error) {
	if len(data) < 3 {
		return nil, "", nil, fmt.Errorf("expected sensor, topic, payload; got %d values", len(data))
	}
	name, _ := data[0].(string)
	topic, _ := data[1].(string)
	var payload []byte
	switch p := data[2].(type) {
	case []byte:
		payload = p
	case string:
		payload = []byte(p)
	default:
		return nil, "", nil, fmt.Errorf("unsupported payload type %T", data[2])
	}
	s, ok := h.byName[name]
	if !ok {
		return nil, "", nil, fmt.Errorf("unknown sensor %q", name)
	}
	return s, topic, payload, nil
}

func (h *HomeHandler) send(ctx context.Context, chats []int64, msg core.OutboundMessage) {
	if h.out == nil {
		return
	}
	for _, chatID := range chats {
		h.out.Send(ctx, chatID, msg)
	}
}

func (h *HomeHandler) onSensor(ctx context.Context, data ...any) (core.Response, error) {
	s, topic, payload, err := h.eventArgs(data)
	if err != nil {
		return nil, err
	}
	now := h.clock.Now()
	if err := s.Process(topic, payload, now); err != nil {
		h.logger.Warn("ignoring sensor message", "sensor", s.Name, "error", err)
		return nil, nil
	}
	h.logger.Info("sensor changed", "sensor", s.Name, "state", s.State())

	if s.Trigger(now, h.gap) {
		h.send(ctx, h.subscribers(s), core.Text(s.Summary(now)).HTML())
	}
	return nil, nil
}

func (h *HomeHandler) onNotify(ctx context.Context, data ...any) (core.Response, error) {
	s, topic, payload, err := h.eventArgs(data)
	if err != nil {
		return nil, err
	}
	s.Process(topic, payload, h.clock.Now())
	h.logger.Info("notify sensor triggered", "sensor", s.Name)

	text := fmt.Sprintf("<b>%s</b>: %s", html.EscapeString(s.Name), html.EscapeString(string(payload)))
	h.send(ctx, h.subscribers(s), core.Text(text).HTML())
	return nil, nil
}

func (h *HomeHandler) onCamera(ctx context.Context, data ...any) (core.Response, error) {
	cam, topic, payload, err := h.eventArgs(data)
	if err != nil {
		return nil, err
	}
	cam.Process(topic, payload, h.clock.Now())
	h.logger.Info("camera event", "camera", cam.Name, "event", cam.EventType(), "bytes", len(payload))

	switch cam.EventType() {
	case "photo":
		photo := core.Photo(core.BytesAttachment("image.jpg", "image/jpeg", payload), "camera#"+cam.Name)
		button := core.Keyboard([]core.Button{{Text: "Subscribe", CallbackData: "/sub " + cam.Name}})
		for _, chatID := range h.subscribers(cam) {
			msg := photo
			if !containsChat(h.oneShot[cam.Name], chatID) {
				msg = photo.WithMarkup(button)
			}
			h.send(ctx, []int64{chatID}, msg)
		}
	case "videom":
		h.send(ctx, h.subscribers(cam), cameraVideo(cam, payload))
	case "video":
		h.send(ctx, h.oneShot[cam.Name], cameraVideo(cam, payload))
		delete(h.oneShot, cam.Name)
	default:
		h.logger.Debug("ignoring camera event", "camera", cam.Name, "event", cam.EventType())
	}
	return nil, nil
}

func cameraVideo(cam *sensors.Sensor, payload []byte) core.OutboundMessage {
	return core.Video(core.BytesAttachment("camera_"+cam.Name+".mp4", "video/mp4", payload), "")
}

func containsChat(chats []int64, id int64) bool {
	for _, c := range chats {
		if c == id {
			return true
		}
	}
	return false
}

func removeChat(chats []int64, id int64) []int64 {
	out := chats[:0]
	for _, c := range chats {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}
