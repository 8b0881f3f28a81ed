package domain

import "time"

// EventType names a session notification.
type EventType string

const (
	EventState          EventType = "state"
	EventTick           EventType = "tick"
	EventExpired        EventType = "expired"
	EventSubmitted      EventType = "result"
	EventSubmitFailed   EventType = "submit_failed"
	EventReauthRequired EventType = "reauth"
)

// SessionEvent is pushed to subscribers of a session.
type SessionEvent struct {
	Type      EventType     `json:"type"`
	Remaining time.Duration `json:"-"`
	Display   string        `json:"remaining,omitempty"`
	Result    *SubmitResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}
