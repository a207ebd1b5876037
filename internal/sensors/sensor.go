// Package sensors models home sensors fed by MQTT messages. A sensor is
// declared as a URL: type://name[!]@topic. A trailing "!" on the name means
// admins are not subscribed to its alerts by default.
package sensors

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Event names the home handler registers for each sensor category.
const (
	EventSensor = "sensor"
	EventNotify = "notify"
	EventCamera = "camera"
)

type kind struct {
	states [2]string
	dummy  bool
	event  string
}

var kinds = map[string]kind{
	"sensor":   {states: [2]string{"alert", "normal"}, event: EventSensor},
	"door":     {states: [2]string{"opened", "closed"}, event: EventSensor},
	"motion":   {states: [2]string{"active", "passive"}, event: EventSensor},
	"presence": {states: [2]string{"home", "away"}, event: EventSensor},
	"wireless": {states: [2]string{"home", "away"}, event: EventSensor},
	"device":   {states: [2]string{"on", "off"}, event: EventSensor},
	"notify":   {dummy: true, event: EventNotify},
	"camera":   {dummy: true, event: EventCamera},
}

// Sensor is one declared sensor and its last observed state. It is not
// safe for concurrent use.
type Sensor struct {
	Name      string
	Type      string
	Topic     string
	DefaultOn bool

	kind      kind
	state     int
	payload   []byte
	eventType string
	changed   time.Time
	triggered time.Time
}

// Parse builds a Sensor from its URL form. Unknown types behave like the
// generic "sensor" type. Camera topics get a "/#" suffix so every event
// kind published below the camera topic is received.
func Parse(raw string) (*Sensor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse sensor %q: %w", raw, err)
	}
	if u.Scheme == "" || u.User == nil || u.Host == "" {
		return nil, fmt.Errorf("sensor %q: want type://name@topic", raw)
	}

	user := u.User.Username()
	name := strings.TrimRight(user, "!")
	if name == "" {
		return nil, fmt.Errorf("sensor %q: empty name", raw)
	}

	k, ok := kinds[u.Scheme]
	if !ok {
		k = kinds["sensor"]
	}

	topic := u.Host + u.Path
	if u.Scheme == "camera" {
		topic += "/#"
	}

	return &Sensor{
		Name:      name,
		Type:      u.Scheme,
		Topic:     topic,
		DefaultOn: !strings.HasSuffix(user, "!"),
		kind:      k,
	}, nil
}

// ParseAll parses a list of sensor URLs, rejecting duplicate names.
func ParseAll(raws []string) ([]*Sensor, error) {
	seen := make(map[string]bool, len(raws))
	out := make([]*Sensor, 0, len(raws))
	for _, raw := range raws {
		s, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate sensor name %q", s.Name)
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out, nil
}

// Event is the dispatcher event name for messages from this sensor.
func (s *Sensor) Event() string { return s.kind.event }

// Dummy sensors carry payloads rather than a binary state.
func (s *Sensor) Dummy() bool { return s.kind.dummy }

// Matches reports whether an MQTT topic belongs to this sensor.
func (s *Sensor) Matches(topic string) bool {
	return MatchTopic(s.Topic, topic)
}

// Process applies an MQTT message. Binary sensors expect an integer
// payload; dummy sensors keep the payload as is, and cameras also record
// the last topic segment as the event type (photo, video, videom).
func (s *Sensor) Process(topic string, payload []byte, now time.Time) error {
	if !s.kind.dummy {
		v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			return fmt.Errorf("sensor %s: invalid payload %q", s.Name, payload)
		}
		s.state = v
		s.changed = now
		return nil
	}

	s.payload = payload
	if s.Type == "camera" {
		s.eventType = topic[strings.LastIndex(topic, "/")+1:]
	}
	s.changed = now
	return nil
}

// State is the last binary state.
func (s *Sensor) State() int { return s.state }

// Payload is the last payload of a dummy sensor.
func (s *Sensor) Payload() []byte { return s.payload }

// EventType is the last camera event kind.
func (s *Sensor) EventType() string { return s.eventType }

func (s *Sensor) Changed() time.Time   { return s.changed }
func (s *Sensor) Triggered() time.Time { return s.triggered }

// StateText renders the state as the type's word for it.
func (s *Sensor) StateText() string {
	if s.kind.dummy {
		return "n/a"
	}
	if s.state != 0 {
		return s.kind.states[0]
	}
	return s.kind.states[1]
}

// Trigger reports whether an active state should alert now: the sensor
// must be active and the previous alert older than gap.
func (s *Sensor) Trigger(now time.Time, gap time.Duration) bool {
	if s.state <= 0 {
		return false
	}
	if !s.triggered.IsZero() && now.Sub(s.triggered) <= gap {
		return false
	}
	s.triggered = now
	return true
}

// Summary is the one-line HTML status used by /status and alerts.
func (s *Sensor) Summary(now time.Time) string {
	return fmt.Sprintf("<b>%s</b>: %s %s", html.EscapeString(s.Name), s.StateText(), since(s.changed, now))
}

// Details is the multi-line HTML description shown in the sensor menu.
func (s *Sensor) Details(now time.Time) string {
	return fmt.Sprintf("<b>name</b>: %s\n<b>type</b>: %s\n<b>state</b>: %s\n<b>changed</b>: %s\n<b>triggered</b>: %s",
		html.EscapeString(s.Name), html.EscapeString(s.Type), s.StateText(), since(s.changed, now), since(s.triggered, now))
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// MatchTopic implements MQTT topic filter matching with the "+" (one level)
// and "#" (remaining levels) wildcards.
func MatchTopic(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
