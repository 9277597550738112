// Package notify is the thin notification bridge: it renders opaque push
// payloads through an injected notifier and resolves click targets against a
// view routing table owned by the business layer.
package notify

import (
	"encoding/json"
	"fmt"
)

// Payload is the opaque push payload. The bridge displays it and routes
// clicks; it does not interpret business semantics.
type Payload struct {
	Title string       `json:"title"`
	Body  string       `json:"body"`
	Icon  string       `json:"icon,omitempty"`
	Tag   string       `json:"tag,omitempty"`
	Data  *PayloadData `json:"data,omitempty"`
}

// PayloadData carries the optional click-routing hints.
type PayloadData struct {
	URL  string `json:"url,omitempty"`
	View string `json:"view,omitempty"`
}

// Notifier displays a notification to the user.
type Notifier interface {
	Show(p Payload) error
}

// Bridge renders push payloads and resolves their click destinations.
type Bridge struct {
	notifier Notifier
	// views maps business-layer view names to paths, e.g. "chat" -> "/chat".
	views map[string]string
}

func NewBridge(notifier Notifier, views map[string]string) *Bridge {
	return &Bridge{
		notifier: notifier,
		views:    views,
	}
}

// Receive decodes a raw push payload and displays it.
func (b *Bridge) Receive(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decoding push payload: %w", err)
	}
	if b.notifier != nil {
		if err := b.notifier.Show(p); err != nil {
			return p, fmt.Errorf("showing notification: %w", err)
		}
	}
	return p, nil
}

// ClickTarget resolves the destination for a clicked notification:
// an explicit url wins, then a mapped view, then the application root.
func (b *Bridge) ClickTarget(p Payload) string {
	if p.Data != nil {
		if p.Data.URL != "" {
			return p.Data.URL
		}
		if p.Data.View != "" {
			if path, ok := b.views[p.Data.View]; ok {
				return path
			}
		}
	}
	return "/"
}
