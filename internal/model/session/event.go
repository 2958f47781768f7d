package session

import "time"

// InboundEvent is the normalized form of a message delivered by a channel
// adapter. EventID is the adapter's message identifier and is what makes
// redelivery detectable.
type InboundEvent struct {
	EventID    string    `json:"eventId"`
	Channel    Channel   `json:"channel"`
	UserID     string    `json:"userId"`
	Text       string    `json:"text,omitempty"`
	ImageRef   string    `json:"imageRef,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// DirectiveKind enumerates the replies the session service can hand back to
// a channel dispatcher.
type DirectiveKind string

const (
	DirectiveRequestConsent     DirectiveKind = "request_consent"
	DirectiveReprompt           DirectiveKind = "reprompt"
	DirectiveRequestRetryUpload DirectiveKind = "request_retry_upload"
	DirectiveAcknowledge        DirectiveKind = "acknowledge"
	DirectiveSessionClosed      DirectiveKind = "session_closed"
	DirectiveTransientError     DirectiveKind = "transient_error"
)

// Directive is the outcome of one inbound event: what the channel adapter
// should say back to the user.
type Directive struct {
	Kind      DirectiveKind `json:"kind"`
	SessionID string        `json:"sessionId,omitempty"`
	Message   string        `json:"message,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Summary   PatientData   `json:"summary,omitempty"`
}
