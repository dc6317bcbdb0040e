package auth

import (
	"context"
	"time"
)

type EventType string

const (
	EventRegistered    EventType = "registered"
	EventLogin         EventType = "login"
	EventLoginFailed   EventType = "login_failed"
	EventOAuthLogin    EventType = "oauth_login"
	EventRefresh       EventType = "refresh"
	EventLogout        EventType = "logout"
	EventOTPIssued     EventType = "otp_issued"
	EventOTPVerified   EventType = "otp_verified"
	EventPasswordReset EventType = "password_reset"
)

// Event is one entry of the authentication audit journal.
type Event struct {
	Type     EventType
	UserID   string
	Username string
	Email    string
	At       time.Time
	Detail   map[string]string
}

// EventRecorder persists audit events. Recording is best effort: failures are
// handled inside the recorder and never reach the caller.
type EventRecorder interface {
	Record(ctx context.Context, event Event)
}

type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}
