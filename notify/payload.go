package notify

import (
	"encoding/json"
	"fmt"
)

// DefaultVibrate is used when neither the notification nor the policy
// sets a vibration pattern.
var DefaultVibrate = []int{200, 100, 200}

// DefaultTTL is the message time-to-live in seconds (one day).
const DefaultTTL = 86400

// Action is a notification action button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
}

// Notification is the content shown to every recipient of a batch.
type Notification struct {
	Title string
	Body  string
	URL   string
	Icon  string
	Badge string
	Tag   string
	// Vibrate of nil uses the policy default; an empty slice disables
	// vibration.
	Vibrate []int
	// TTL in seconds; zero uses the policy default.
	TTL     int
	Urgency string
	Data    map[string]any
	Actions []Action

	RequireInteraction bool
	Silent             bool
	Renotify           bool
}

// payload is the JSON document the service worker receives.
type payload struct {
	Title              string         `json:"title"`
	Message            string         `json:"message"`
	URL                string         `json:"url,omitempty"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Vibrate            []int          `json:"vibrate"`
	TTL                int            `json:"ttl"`
	Data               map[string]any `json:"data,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
	Silent             bool           `json:"silent,omitempty"`
	Renotify           bool           `json:"renotify,omitempty"`
}

// ttl resolves the effective time-to-live.
func (n Notification) ttl(p Policy) int {
	switch {
	case n.TTL > 0:
		return n.TTL
	case p.DefaultTTL > 0:
		return p.DefaultTTL
	}
	return DefaultTTL
}

// build renders the payload once for a whole batch, filling defaults
// from the policy.
func (n Notification) build(p Policy) ([]byte, error) {
	out := payload{
		Title:              n.Title,
		Message:            n.Body,
		URL:                n.URL,
		Icon:               n.Icon,
		Badge:              n.Badge,
		Tag:                n.Tag,
		Vibrate:            n.Vibrate,
		TTL:                n.ttl(p),
		Data:               n.Data,
		Actions:            n.Actions,
		RequireInteraction: n.RequireInteraction,
		Silent:             n.Silent,
		Renotify:           n.Renotify,
	}
	if out.Title == "" {
		out.Title = p.DefaultTitle
	}
	if out.Message == "" {
		out.Message = p.DefaultMessage
	}
	out.RequireInteraction = out.RequireInteraction || p.RequireInteraction
	out.Silent = out.Silent || p.Silent
	out.Renotify = out.Renotify || p.Renotify
	if out.Icon == "" {
		out.Icon = p.DefaultIcon
	}
	if out.Badge == "" {
		out.Badge = p.DefaultBadge
	}
	if out.Actions == nil {
		out.Actions = p.DefaultActions
	}
	if out.Vibrate == nil {
		out.Vibrate = p.DefaultVibrate
	}
	if out.Vibrate == nil {
		out.Vibrate = DefaultVibrate
	}
	if out.Silent {
		// Browsers reject a vibration pattern on silent notifications.
		out.Vibrate = []int{}
	}
	// renotify is only valid with a tag.
	if out.Tag == "" {
		out.Renotify = false
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return b, nil
}
