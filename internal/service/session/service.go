package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nomeentregaron/medbot/internal/analysis/intent"
	"github.com/nomeentregaron/medbot/internal/model/session"
	"github.com/nomeentregaron/medbot/internal/service/extraction"
	"github.com/nomeentregaron/medbot/internal/store"
)

var (
	// ErrInvalidEvent means the inbound event was structurally unusable
	// (missing channel or user identity).
	ErrInvalidEvent = errors.New("invalid inbound event")
	// ErrStoreUnavailable signals the event was not consumed and the
	// channel adapter should redeliver it.
	ErrStoreUnavailable = errors.New("session store unavailable, event not consumed")
)

// Extractor is the slice of the extraction bridge the session service needs.
type Extractor interface {
	Extract(ctx context.Context, imageRef string) (session.PatientData, error)
}

// Service owns session identity, the lifecycle state machine, and routing of
// inbound events to the consent, extraction, and closure paths.
type Service struct {
	store      store.SessionStore
	classifier *intent.Classifier
	extractor  Extractor

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// lastClosed remembers, per pair, the event that closed the latest
	// session. A redelivery of that event must replay the closing
	// directive instead of spawning a fresh session; any distinct event
	// starts a new one.
	lastClosed map[string]closedMarker

	now func() time.Time
}

type closedMarker struct {
	eventID   string
	directive session.Directive
}

// NewService wires the session manager to its store, classifier, and
// extraction bridge.
func NewService(st store.SessionStore, classifier *intent.Classifier, extractor Extractor) *Service {
	if classifier == nil {
		classifier = intent.NewClassifier(nil, nil, nil)
	}
	return &Service{
		store:      st,
		classifier: classifier,
		extractor:  extractor,
		locks:      make(map[string]*sync.Mutex),
		lastClosed: make(map[string]closedMarker),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// pairLock returns the mutex serializing all work for one (channel, user)
// pair. Events for different pairs run fully in parallel; events for the
// same pair queue behind the single in-flight one.
func (s *Service) pairLock(channel session.Channel, userID string) *sync.Mutex {
	key := string(channel) + "|" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// ResolveOrCreate returns the open session for the pair, creating one when
// none exists. The store's insert-if-absent guarantees at most one session
// is created even under concurrent first contact.
func (s *Service) ResolveOrCreate(ctx context.Context, channel session.Channel, userID string) (*session.Session, error) {
	sess, err := s.store.FindOpen(ctx, channel, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve session for %s/%s: %w", channel, userID, err)
	}

	sess, err = s.store.Create(ctx, channel, userID)
	if err != nil {
		return nil, fmt.Errorf("create session for %s/%s: %w", channel, userID, err)
	}
	log.Printf("[session] created %s for %s/%s", sess.ID, channel, userID)
	return sess, nil
}

// HandleEvent processes one inbound event end to end: resolve the session,
// classify the message, apply the transition, run its side effects, persist,
// and return the directive for the channel dispatcher.
func (s *Service) HandleEvent(ctx context.Context, ev session.InboundEvent) (session.Directive, error) {
	if ev.Channel == "" || strings.TrimSpace(ev.UserID) == "" {
		return session.Directive{}, ErrInvalidEvent
	}
	ev.UserID = NormalizeUserID(ev.UserID)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}

	lock := s.pairLock(ev.Channel, ev.UserID)
	lock.Lock()
	defer lock.Unlock()

	if d, ok := s.replayClosed(ev); ok {
		return d, nil
	}

	sess, err := s.store.FindOpen(ctx, ev.Channel, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		// No open session: before opening a fresh one, make sure this is
		// not a redelivery of the event that closed the previous session.
		if d, ok := s.replayArchivedClose(ctx, ev); ok {
			return d, nil
		}
		sess, err = s.ResolveOrCreate(ctx, ev.Channel, ev.UserID)
	}
	if err != nil {
		return transientDirective(), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Redelivery of an already-consumed event replays its stored directive
	// without re-applying the transition.
	if ev.EventID != "" && ev.EventID == sess.LastEventID && sess.LastDirective != nil {
		log.Printf("[session] %s: replaying directive for redelivered event %s", sess.ID, ev.EventID)
		return *sess.LastDirective, nil
	}

	category := s.classifier.Classify(ev)
	out := decide(sess.State, category)

	sess.AppendTranscript("user", transcriptText(ev), string(category), ev.ReceivedAt)

	directive := session.Directive{
		Kind:      out.directive,
		SessionID: sess.ID,
		Message:   out.message,
	}

	switch out.action {
	case actionGrantConsent:
		now := s.now()
		sess.ConsentGiven = true
		sess.ConsentAt = &now
		log.Printf("[session] %s: consent granted", sess.ID)

	case actionExtract:
		directive = s.runExtraction(ctx, sess, ev)
		out.next = session.StateActive

	case actionClose:
		s.close(sess, session.CloseReasonCompleted)

	case actionCloseNoConsent:
		s.close(sess, session.CloseReasonNoConsent)
	}

	sess.State = out.next
	sess.AppendTranscript("bot", directive.Message, string(directive.Kind), s.now())
	sess.LastEventID = ev.EventID
	sess.LastDirective = &directive

	if err := s.persist(ctx, sess); err != nil {
		if errors.Is(err, store.ErrClosed) {
			// The stored record closed underneath us: invariant violation.
			// Scope the damage to this session and force-archive it as-is.
			log.Printf("[session] %s: corrupted record, forcing archive: %v", sess.ID, err)
			s.close(sess, session.CloseReasonCorrupted)
			if archiveErr := s.store.Archive(ctx, sess); archiveErr != nil {
				log.Printf("[session] %s: force-archive failed: %v", sess.ID, archiveErr)
			}
			return session.Directive{Kind: session.DirectiveSessionClosed, SessionID: sess.ID, Message: msgSessionEnded}, nil
		}
		return transientDirective(), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if sess.State == session.StateClosed {
		s.rememberClosed(ev, directive)
	}

	return directive, nil
}

// replayClosed answers a redelivery of the event that closed the pair's
// latest session with the directive it originally produced.
func (s *Service) replayClosed(ev session.InboundEvent) (session.Directive, bool) {
	if ev.EventID == "" {
		return session.Directive{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	marker, ok := s.lastClosed[string(ev.Channel)+"|"+ev.UserID]
	if !ok || marker.eventID != ev.EventID {
		return session.Directive{}, false
	}
	log.Printf("[session] replaying closed directive for redelivered event %s", ev.EventID)
	return marker.directive, true
}

// replayArchivedClose answers a redelivered closing event from the archived
// record. The in-memory marker covers the common case; this path makes the
// replay survive a process restart, since the archive carries the closing
// event's identifier and directive.
func (s *Service) replayArchivedClose(ctx context.Context, ev session.InboundEvent) (session.Directive, bool) {
	if ev.EventID == "" {
		return session.Directive{}, false
	}
	archived, err := s.store.FindLatestArchived(ctx, ev.Channel, ev.UserID)
	if err != nil || archived.LastEventID != ev.EventID || archived.LastDirective == nil {
		return session.Directive{}, false
	}
	log.Printf("[session] %s: replaying archived close for redelivered event %s", archived.ID, ev.EventID)
	return *archived.LastDirective, true
}

func (s *Service) rememberClosed(ev session.InboundEvent, d session.Directive) {
	if ev.EventID == "" {
		return
	}
	s.mu.Lock()
	s.lastClosed[string(ev.Channel)+"|"+ev.UserID] = closedMarker{eventID: ev.EventID, directive: d}
	s.mu.Unlock()
}

// runExtraction invokes the extraction bridge for an image event. Failures
// never change session state; they only shape the reply.
func (s *Service) runExtraction(ctx context.Context, sess *session.Session, ev session.InboundEvent) session.Directive {
	data, err := s.extractor.Extract(ctx, ev.ImageRef)
	switch {
	case err == nil:
		sess.PatientData = data
		log.Printf("[session] %s: patient data linked (%d bytes)", sess.ID, len(data))
		return session.Directive{
			Kind:      session.DirectiveAcknowledge,
			SessionID: sess.ID,
			Message:   msgAcknowledge,
			Summary:   data,
		}
	case errors.Is(err, extraction.ErrNotAPrescription):
		return session.Directive{
			Kind:      session.DirectiveRequestRetryUpload,
			SessionID: sess.ID,
			Message:   extraction.NotAPrescriptionMarker + " " + msgRetryUpload,
			Reason:    "not_a_prescription",
		}
	case errors.Is(err, extraction.ErrUnreadable):
		return session.Directive{
			Kind:      session.DirectiveRequestRetryUpload,
			SessionID: sess.ID,
			Message:   msgUnreadable,
			Reason:    "unreadable",
		}
	default:
		log.Printf("[session] %s: extraction upstream failed: %v", sess.ID, err)
		return session.Directive{
			Kind:      session.DirectiveTransientError,
			SessionID: sess.ID,
			Message:   msgTransientError,
			Reason:    "upstream_unavailable",
		}
	}
}

func (s *Service) close(sess *session.Session, reason string) {
	now := s.now()
	sess.State = session.StateClosed
	sess.ClosedAt = &now
	sess.CloseReason = reason
	log.Printf("[session] %s: closed (%s)", sess.ID, reason)
}

// persist writes the session back; closed sessions are additionally moved to
// patient-record storage.
func (s *Service) persist(ctx context.Context, sess *session.Session) error {
	if err := s.store.Update(ctx, sess); err != nil {
		return err
	}
	if sess.State == session.StateClosed {
		if err := s.store.Archive(ctx, sess); err != nil {
			return err
		}
		log.Printf("[session] %s: archived to patient records", sess.ID)
	}
	return nil
}

// Info returns a session by identifier, open or archived.
func (s *Service) Info(ctx context.Context, id string) (*session.Session, error) {
	return s.store.Get(ctx, id)
}

// CleanupInactive closes and archives open sessions whose last activity is
// older than the limit. It backs the operator-triggered cleanup endpoint;
// there is no background sweep.
func (s *Service) CleanupInactive(ctx context.Context, limit time.Duration) (int, error) {
	cutoff := s.now().Add(-limit)
	stale, err := s.store.ListInactive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list inactive sessions: %w", err)
	}

	closed := 0
	for _, sess := range stale {
		lock := s.pairLock(sess.Channel, sess.UserID)
		lock.Lock()
		current, err := s.store.Get(ctx, sess.ID)
		if err != nil || !current.Open() || !current.LastActivityAt.Before(cutoff) {
			lock.Unlock()
			continue
		}
		s.close(current, session.CloseReasonInactive)
		if err := s.persist(ctx, current); err != nil {
			log.Printf("[session] %s: cleanup failed: %v", current.ID, err)
			lock.Unlock()
			continue
		}
		closed++
		lock.Unlock()
	}
	return closed, nil
}

// NormalizeUserID reduces a channel identity to digits and applies the
// Colombian mobile convention: a bare 10-digit number starting with 3 gains
// the 57 country prefix. Identities with no digits pass through trimmed.
func NormalizeUserID(userID string) string {
	var digits strings.Builder
	for _, r := range userID {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return strings.TrimSpace(userID)
	}
	if len(d) == 10 && d[0] == '3' {
		return "57" + d
	}
	return d
}

func transcriptText(ev session.InboundEvent) string {
	if ev.ImageRef != "" {
		return "[imagen] " + ev.ImageRef
	}
	return ev.Text
}

func transientDirective() session.Directive {
	return session.Directive{Kind: session.DirectiveTransientError, Message: msgTransientError}
}
