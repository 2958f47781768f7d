package session

import (
	"encoding/json"
	"time"
)

// Channel identifies the messaging transport a session belongs to.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// State is the session's position in its lifecycle. Transitions are applied
// only by the session service.
type State string

const (
	StateNew            State = "new"
	StateConsentPending State = "consent_pending"
	StateActive         State = "active"
	StateClosed         State = "closed"
)

// Close reasons recorded when a session leaves the open set.
const (
	CloseReasonCompleted = "completed"
	CloseReasonNoConsent = "no_consent"
	CloseReasonInactive  = "inactive"
	CloseReasonCorrupted = "corrupted"
)

// PatientData is the structured payload produced by the extraction upstream.
// Its internal shape belongs to that service; we store it verbatim and only
// ever check that it is non-empty.
type PatientData json.RawMessage

// Empty reports whether the payload carries no usable content.
func (p PatientData) Empty() bool {
	switch string(p) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

// MarshalJSON passes the raw payload through unchanged.
func (p PatientData) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores the raw payload verbatim.
func (p *PatientData) UnmarshalJSON(data []byte) error {
	*p = append((*p)[0:0], data...)
	return nil
}

// TranscriptEntry is one line of the per-session conversation log.
type TranscriptEntry struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the unit of conversational state for one (channel, user) pair
// from first contact to explicit closure.
type Session struct {
	ID             string            `json:"id"`
	Channel        Channel           `json:"channel"`
	UserID         string            `json:"userId"`
	State          State             `json:"state"`
	ConsentGiven   bool              `json:"consentGiven"`
	ConsentAt      *time.Time        `json:"consentAt,omitempty"`
	PatientData    PatientData       `json:"patientData,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	ClosedAt       *time.Time        `json:"closedAt,omitempty"`
	CloseReason    string            `json:"closeReason,omitempty"`

	// LastEventID and LastDirective identify the most recently consumed
	// inbound event and the directive it produced, so a redelivered event
	// can be answered without re-applying its transition.
	LastEventID   string     `json:"lastEventId,omitempty"`
	LastDirective *Directive `json:"lastDirective,omitempty"`
}

// Open reports whether the session still accepts events.
func (s *Session) Open() bool {
	return s.State != StateClosed
}

// RequiresConsent reports whether data-processing consent is still pending.
// While it holds, no patient data may be extracted, stored, or handed to a
// downstream consumer.
func (s *Session) RequiresConsent() bool {
	return !s.ConsentGiven
}

// AppendTranscript records a conversation entry and bumps activity.
func (s *Session) AppendTranscript(sender, message, eventType string, at time.Time) {
	s.Transcript = append(s.Transcript, TranscriptEntry{
		Sender:    sender,
		Message:   message,
		EventType: eventType,
		Timestamp: at,
	})
	s.LastActivityAt = at
}
