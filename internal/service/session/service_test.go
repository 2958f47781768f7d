package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nomeentregaron/medbot/internal/model/session"
	"github.com/nomeentregaron/medbot/internal/service/extraction"
	"github.com/nomeentregaron/medbot/internal/store"
)

// fakeExtractor returns queued results in order, repeating the last one.
type fakeExtractor struct {
	mu      sync.Mutex
	results []extractResult
	calls   int
}

type extractResult struct {
	data session.PatientData
	err  error
}

func (f *fakeExtractor) Extract(context.Context, string) (session.PatientData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil, extraction.ErrUpstreamUnavailable
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.data, r.err
}

var samplePatientData = session.PatientData(`{"tipo_documento":"CC","numero_documento":"123456","paciente":"Ana Pérez","eps":"Salud Total","medicamentos":["losartán 50mg"]}`)

func newTestService(ext Extractor) (*Service, *store.MemoryStore) {
	st := store.NewMemoryStore()
	if ext == nil {
		ext = &fakeExtractor{results: []extractResult{{data: samplePatientData}}}
	}
	return NewService(st, nil, ext), st
}

func event(id, text, imageRef string) session.InboundEvent {
	return session.InboundEvent{
		EventID:  id,
		Channel:  session.ChannelWhatsApp,
		UserID:   "573001112233",
		Text:     text,
		ImageRef: imageRef,
	}
}

func TestFullSessionLifecycle(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	// First contact creates the session and asks for consent.
	d, err := svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	if err != nil {
		t.Fatalf("first event err: %v", err)
	}
	if d.Kind != session.DirectiveRequestConsent {
		t.Fatalf("first event directive: got %s", d.Kind)
	}
	sessionID := d.SessionID

	sess, err := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if err != nil {
		t.Fatalf("FindOpen err: %v", err)
	}
	if sess.State != session.StateConsentPending {
		t.Fatalf("after first event: state %s", sess.State)
	}
	if !sess.RequiresConsent() {
		t.Fatal("consent gate open before any consent was given")
	}

	// Affirmative consent activates the session.
	d, err = svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))
	if err != nil {
		t.Fatalf("consent event err: %v", err)
	}
	if d.Kind != session.DirectiveReprompt {
		t.Fatalf("consent directive: got %s", d.Kind)
	}
	sess, _ = st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if sess.State != session.StateActive || !sess.ConsentGiven || sess.ConsentAt == nil {
		t.Fatalf("after consent: state=%s consent=%v", sess.State, sess.ConsentGiven)
	}
	if sess.RequiresConsent() {
		t.Fatal("consent gate still closed after affirmative consent")
	}

	// An image links patient data without leaving Active.
	d, err = svc.HandleEvent(ctx, event("ev-3", "", "media/abc"))
	if err != nil {
		t.Fatalf("image event err: %v", err)
	}
	if d.Kind != session.DirectiveAcknowledge {
		t.Fatalf("image directive: got %s", d.Kind)
	}
	sess, _ = st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if sess.State != session.StateActive || sess.PatientData.Empty() {
		t.Fatalf("after extraction: state=%s data empty=%v", sess.State, sess.PatientData.Empty())
	}

	// The termination phrase closes and archives the session.
	d, err = svc.HandleEvent(ctx, event("ev-4", "no necesito nada más", ""))
	if err != nil {
		t.Fatalf("termination event err: %v", err)
	}
	if d.Kind != session.DirectiveSessionClosed {
		t.Fatalf("termination directive: got %s", d.Kind)
	}
	if !st.Archived(sessionID) {
		t.Fatal("closed session not archived to patient records")
	}

	archived, err := st.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get archived err: %v", err)
	}
	if archived.State != session.StateClosed || archived.CloseReason != session.CloseReasonCompleted {
		t.Fatalf("archived record: state=%s reason=%s", archived.State, archived.CloseReason)
	}
	if archived.PatientData.Empty() {
		t.Fatal("archived record lost patient data")
	}
}

func TestConsentReminderOnUnrecognizedReply(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	if _, err := svc.HandleEvent(ctx, event("ev-1", "hola", "")); err != nil {
		t.Fatalf("first event err: %v", err)
	}
	d, err := svc.HandleEvent(ctx, event("ev-2", "qué es esto?", ""))
	if err != nil {
		t.Fatalf("second event err: %v", err)
	}
	if d.Kind != session.DirectiveRequestConsent {
		t.Fatalf("expected consent re-prompt, got %s", d.Kind)
	}

	sess, _ := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if sess.State != session.StateConsentPending || sess.ConsentGiven {
		t.Fatalf("state changed on unrecognized reply: %s", sess.State)
	}
}

func TestConsentDenialClosesSession(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	d, _ := svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	sessionID := d.SessionID

	d, err := svc.HandleEvent(ctx, event("ev-2", "no autorizo", ""))
	if err != nil {
		t.Fatalf("denial event err: %v", err)
	}
	if d.Kind != session.DirectiveSessionClosed {
		t.Fatalf("denial directive: got %s", d.Kind)
	}

	archived, err := st.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if archived.CloseReason != session.CloseReasonNoConsent {
		t.Fatalf("close reason: got %s", archived.CloseReason)
	}
}

func TestExtractionRejectionKeepsSessionActive(t *testing.T) {
	ext := &fakeExtractor{results: []extractResult{
		{err: extraction.ErrNotAPrescription},
		{err: fmt.Errorf("%w: blurry", extraction.ErrUnreadable)},
		{data: samplePatientData},
	}}
	svc, st := newTestService(ext)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))

	d, err := svc.HandleEvent(ctx, event("ev-3", "", "media/cat.jpg"))
	if err != nil {
		t.Fatalf("rejected image err: %v", err)
	}
	if d.Kind != session.DirectiveRequestRetryUpload || d.Reason != "not_a_prescription" {
		t.Fatalf("rejected image directive: kind=%s reason=%s", d.Kind, d.Reason)
	}

	sess, _ := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if sess.State != session.StateActive || !sess.PatientData.Empty() {
		t.Fatalf("rejection mutated session: state=%s", sess.State)
	}

	d, _ = svc.HandleEvent(ctx, event("ev-4", "", "media/blurry.jpg"))
	if d.Kind != session.DirectiveRequestRetryUpload || d.Reason != "unreadable" {
		t.Fatalf("unreadable image directive: kind=%s reason=%s", d.Kind, d.Reason)
	}

	d, _ = svc.HandleEvent(ctx, event("ev-5", "", "media/real.jpg"))
	if d.Kind != session.DirectiveAcknowledge {
		t.Fatalf("valid image directive: got %s", d.Kind)
	}
}

func TestExtractionUpstreamFailureIsTransient(t *testing.T) {
	ext := &fakeExtractor{results: []extractResult{{err: extraction.ErrUpstreamUnavailable}}}
	svc, st := newTestService(ext)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))

	d, err := svc.HandleEvent(ctx, event("ev-3", "", "media/x.jpg"))
	if err != nil {
		t.Fatalf("upstream failure err: %v", err)
	}
	if d.Kind != session.DirectiveTransientError {
		t.Fatalf("upstream failure directive: got %s", d.Kind)
	}

	sess, _ := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if sess.State != session.StateActive || !sess.PatientData.Empty() {
		t.Fatalf("upstream failure mutated session: state=%s", sess.State)
	}
}

func TestRedeliveredEventReplaysDirective(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	first, err := svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	if err != nil {
		t.Fatalf("first delivery err: %v", err)
	}
	again, err := svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	if err != nil {
		t.Fatalf("redelivery err: %v", err)
	}
	if again.Kind != first.Kind || again.SessionID != first.SessionID {
		t.Fatalf("redelivery produced different directive: %v vs %v", again, first)
	}

	sess, _ := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if sess.State != session.StateConsentPending {
		t.Fatalf("redelivery re-applied transition: state=%s", sess.State)
	}
}

func TestRedeliveredClosingEventDoesNotReopenSession(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))
	closed, err := svc.HandleEvent(ctx, event("ev-3", "no necesito nada más", ""))
	if err != nil {
		t.Fatalf("closing event err: %v", err)
	}

	replay, err := svc.HandleEvent(ctx, event("ev-3", "no necesito nada más", ""))
	if err != nil {
		t.Fatalf("redelivered closing event err: %v", err)
	}
	if replay.Kind != session.DirectiveSessionClosed || replay.SessionID != closed.SessionID {
		t.Fatalf("closing redelivery: got %v", replay)
	}
	if _, err := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("redelivered closing event spawned a new session")
	}
}

func TestRedeliveredClosingEventReplaysAfterRestart(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))
	closed, err := svc.HandleEvent(ctx, event("ev-3", "no necesito nada más", ""))
	if err != nil {
		t.Fatalf("closing event err: %v", err)
	}

	// A replacement process shares only the store; its in-memory markers
	// start empty.
	restarted := NewService(st, nil, &fakeExtractor{})
	replay, err := restarted.HandleEvent(ctx, event("ev-3", "no necesito nada más", ""))
	if err != nil {
		t.Fatalf("redelivery after restart err: %v", err)
	}
	if replay.Kind != session.DirectiveSessionClosed || replay.SessionID != closed.SessionID {
		t.Fatalf("redelivery after restart: got %v", replay)
	}
	if _, err := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("redelivered closing event spawned a new session after restart")
	}
}

func TestDistinctEventAfterClosureStartsFreshSession(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))
	closed, _ := svc.HandleEvent(ctx, event("ev-3", "no necesito nada más", ""))

	before, err := st.Get(ctx, closed.SessionID)
	if err != nil {
		t.Fatalf("Get archived err: %v", err)
	}

	d, err := svc.HandleEvent(ctx, event("ev-4", "hola de nuevo", ""))
	if err != nil {
		t.Fatalf("post-closure event err: %v", err)
	}
	if d.Kind != session.DirectiveRequestConsent {
		t.Fatalf("post-closure directive: got %s", d.Kind)
	}
	if d.SessionID == closed.SessionID {
		t.Fatal("closed session was reused")
	}

	// The archived record is untouched by the new conversation.
	after, err := st.Get(ctx, closed.SessionID)
	if err != nil {
		t.Fatalf("Get archived err: %v", err)
	}
	if after.State != session.StateClosed || len(after.Transcript) != len(before.Transcript) {
		t.Fatal("archived record mutated after closure")
	}
}

func TestConcurrentFirstContactCreatesOneSession(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	const attempts = 20
	ids := make([]string, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := svc.HandleEvent(ctx, event(fmt.Sprintf("ev-%d", i), "hola", ""))
			if err != nil {
				t.Errorf("HandleEvent err: %v", err)
				return
			}
			ids[i] = d.SessionID
		}(i)
	}
	wg.Wait()

	for i := 1; i < attempts; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent first contact produced sessions %s and %s", ids[i], ids[0])
		}
	}

	sess, err := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	if err != nil {
		t.Fatalf("FindOpen err: %v", err)
	}
	if sess.ID != ids[0] {
		t.Fatalf("open session %s does not match handled events %s", sess.ID, ids[0])
	}
}

func TestEventsForDifferentPairsRunIndependently(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	directives := make([]session.Directive, 2)
	users := []string{"573001112233", "573009998877"}
	for i, user := range users {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			d, err := svc.HandleEvent(ctx, session.InboundEvent{
				EventID: fmt.Sprintf("ev-%d", i),
				Channel: session.ChannelTelegram,
				UserID:  user,
				Text:    "hola",
			})
			if err != nil {
				t.Errorf("HandleEvent err: %v", err)
				return
			}
			directives[i] = d
		}(i, user)
	}
	wg.Wait()

	if directives[0].SessionID == directives[1].SessionID {
		t.Fatal("different users shared one session")
	}
}

func TestCleanupInactiveClosesOnlyStaleSessions(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	stale, _ := svc.HandleEvent(ctx, event("ev-1", "hola", ""))

	fresh, err := svc.HandleEvent(ctx, session.InboundEvent{
		EventID: "ev-2", Channel: session.ChannelTelegram, UserID: "12345", Text: "hola",
	})
	if err != nil {
		t.Fatalf("fresh event err: %v", err)
	}

	s, _ := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	s.LastActivityAt = time.Now().UTC().Add(-12 * time.Hour)
	if err := st.Update(ctx, s); err != nil {
		t.Fatalf("backdate err: %v", err)
	}

	closed, err := svc.CleanupInactive(ctx, 6*time.Hour)
	if err != nil {
		t.Fatalf("CleanupInactive err: %v", err)
	}
	if closed != 1 {
		t.Fatalf("cleanup closed %d sessions, want 1", closed)
	}

	archived, err := st.Get(ctx, stale.SessionID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if archived.CloseReason != session.CloseReasonInactive {
		t.Fatalf("cleanup close reason: got %s", archived.CloseReason)
	}

	if _, err := st.FindOpen(ctx, session.ChannelTelegram, "12345"); err != nil {
		t.Fatalf("fresh session was closed by cleanup: %v (session %s)", err, fresh.SessionID)
	}
}

func TestInvalidEventRejected(t *testing.T) {
	svc, _ := newTestService(nil)

	_, err := svc.HandleEvent(context.Background(), session.InboundEvent{Text: "hola"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestTranscriptRecordsConversation(t *testing.T) {
	svc, st := newTestService(nil)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))

	sess, _ := st.FindOpen(ctx, session.ChannelWhatsApp, "573001112233")
	// Two user entries and two bot entries.
	if len(sess.Transcript) != 4 {
		t.Fatalf("transcript length: got %d, want 4", len(sess.Transcript))
	}
	if sess.Transcript[0].Sender != "user" || sess.Transcript[1].Sender != "bot" {
		t.Fatalf("transcript order: %s then %s", sess.Transcript[0].Sender, sess.Transcript[1].Sender)
	}
}

func TestNormalizeUserID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"3001112233", "573001112233"},
		{"573001112233", "573001112233"},
		{"+57 300 111 2233", "573001112233"},
		{"12345", "12345"},
		{"user@host", "user@host"}, // no digits: passes through trimmed
	}
	for _, tc := range cases {
		if got := NormalizeUserID(tc.in); got != tc.want {
			t.Errorf("NormalizeUserID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPatientDataSummaryRoundTrips(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	svc.HandleEvent(ctx, event("ev-1", "hola", ""))
	svc.HandleEvent(ctx, event("ev-2", "sí acepto", ""))
	d, err := svc.HandleEvent(ctx, event("ev-3", "", "media/abc"))
	if err != nil {
		t.Fatalf("image event err: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(d.Summary), &fields); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if fields["paciente"] != "Ana Pérez" {
		t.Fatalf("summary lost patient name: %v", fields["paciente"])
	}
}
