package notify

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestBuild(t *testing.T) {
	actions := []Action{{Action: "action1", Title: "Open", URL: "/"}}
	tests := []struct {
		name   string
		n      Notification
		policy Policy
		want   map[string]any
	}{{
		name: "minimal",
		n:    Notification{Title: "Hi", Body: "there"},
		want: map[string]any{
			"title":   "Hi",
			"message": "there",
			"vibrate": []any{200.0, 100.0, 200.0},
			"ttl":     86400.0,
		},
	}, {
		name: "policy defaults",
		n:    Notification{},
		policy: Policy{
			DefaultTitle:       "New Notification",
			DefaultMessage:     "You have a new update",
			DefaultIcon:        "/icon.png",
			DefaultBadge:       "/badge.png",
			DefaultVibrate:     []int{100},
			DefaultTTL:         60,
			DefaultActions:     actions,
			RequireInteraction: true,
		},
		want: map[string]any{
			"title":              "New Notification",
			"message":            "You have a new update",
			"icon":               "/icon.png",
			"badge":              "/badge.png",
			"vibrate":            []any{100.0},
			"ttl":                60.0,
			"actions":            []any{map[string]any{"action": "action1", "title": "Open", "url": "/"}},
			"requireInteraction": true,
		},
	}, {
		name:   "notification overrides policy",
		n:      Notification{Title: "t", Icon: "/mine.png", Vibrate: []int{}, TTL: 5, URL: "/post/1", Actions: []Action{}},
		policy: Policy{DefaultIcon: "/icon.png", DefaultVibrate: []int{100}, DefaultTTL: 60, DefaultActions: actions},
		want: map[string]any{
			"title":   "t",
			"message": "",
			"icon":    "/mine.png",
			"url":     "/post/1",
			"vibrate": []any{},
			"ttl":     5.0,
		},
	}, {
		name: "silent clears vibration",
		n:    Notification{Title: "t", Silent: true, Vibrate: []int{50}},
		want: map[string]any{
			"title":   "t",
			"message": "",
			"silent":  true,
			"vibrate": []any{},
			"ttl":     86400.0,
		},
	}, {
		name: "renotify needs a tag",
		n:    Notification{Title: "t", Renotify: true},
		want: map[string]any{
			"title":   "t",
			"message": "",
			"vibrate": []any{200.0, 100.0, 200.0},
			"ttl":     86400.0,
		},
	}, {
		name: "renotify with tag",
		n:    Notification{Title: "t", Tag: "news", Renotify: true, Data: map[string]any{"id": "7"}},
		want: map[string]any{
			"title":    "t",
			"message":  "",
			"tag":      "news",
			"renotify": true,
			"data":     map[string]any{"id": "7"},
			"vibrate":  []any{200.0, 100.0, 200.0},
			"ttl":      86400.0,
		},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.n.build(tt.policy)
			if err != nil {
				t.Fatalf("build() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(b, &got); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", b, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("build() = %s\nwant %v", b, tt.want)
			}
		})
	}
}

func TestBuild_DoesNotShareDefaults(t *testing.T) {
	p := Policy{DefaultVibrate: []int{100}}
	if _, err := (Notification{Silent: true}).build(p); err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if !reflect.DeepEqual(p.DefaultVibrate, []int{100}) || !reflect.DeepEqual(DefaultVibrate, []int{200, 100, 200}) {
		t.Errorf("defaults modified: policy %v, package %v", p.DefaultVibrate, DefaultVibrate)
	}
}
