package session

import (
	"testing"

	"github.com/nomeentregaron/medbot/internal/analysis/intent"
	"github.com/nomeentregaron/medbot/internal/model/session"
)

var allStates = []session.State{
	session.StateNew,
	session.StateConsentPending,
	session.StateActive,
	session.StateClosed,
}

var allCategories = []intent.Category{
	intent.HasImage,
	intent.TerminationPhrase,
	intent.ConsentAffirmative,
	intent.ConsentNegative,
	intent.Other,
}

func TestDecideIsTotal(t *testing.T) {
	valid := map[session.State]bool{
		session.StateNew:            true,
		session.StateConsentPending: true,
		session.StateActive:         true,
		session.StateClosed:         true,
	}

	for _, state := range allStates {
		for _, category := range allCategories {
			out := decide(state, category)
			if !valid[out.next] {
				t.Errorf("decide(%s, %s): invalid next state %q", state, category, out.next)
			}
			if out.directive == "" {
				t.Errorf("decide(%s, %s): empty directive", state, category)
			}
			if out.message == "" {
				t.Errorf("decide(%s, %s): empty reply message", state, category)
			}
		}
	}
}

func TestDecideNewAlwaysRequestsConsent(t *testing.T) {
	for _, category := range allCategories {
		out := decide(session.StateNew, category)
		if out.next != session.StateConsentPending {
			t.Errorf("New + %s: got next %s, want consent_pending", category, out.next)
		}
		if out.directive != session.DirectiveRequestConsent {
			t.Errorf("New + %s: got directive %s, want request_consent", category, out.directive)
		}
	}
}

func TestDecideConsentPending(t *testing.T) {
	out := decide(session.StateConsentPending, intent.ConsentAffirmative)
	if out.next != session.StateActive || out.action != actionGrantConsent {
		t.Fatalf("affirmative consent: got next=%s action=%d", out.next, out.action)
	}

	out = decide(session.StateConsentPending, intent.ConsentNegative)
	if out.next != session.StateClosed || out.action != actionCloseNoConsent {
		t.Fatalf("denied consent: got next=%s action=%d", out.next, out.action)
	}

	// Anything else, including images and farewells, re-asks for consent.
	for _, category := range []intent.Category{intent.HasImage, intent.TerminationPhrase, intent.Other} {
		out = decide(session.StateConsentPending, category)
		if out.next != session.StateConsentPending || out.directive != session.DirectiveRequestConsent {
			t.Errorf("%s while pending: got next=%s directive=%s", category, out.next, out.directive)
		}
	}
}

func TestDecideActive(t *testing.T) {
	out := decide(session.StateActive, intent.HasImage)
	if out.next != session.StateActive || out.action != actionExtract {
		t.Fatalf("image while active: got next=%s action=%d", out.next, out.action)
	}

	out = decide(session.StateActive, intent.TerminationPhrase)
	if out.next != session.StateClosed || out.action != actionClose {
		t.Fatalf("termination while active: got next=%s action=%d", out.next, out.action)
	}

	out = decide(session.StateActive, intent.Other)
	if out.next != session.StateActive || out.directive != session.DirectiveReprompt {
		t.Fatalf("chatter while active: got next=%s directive=%s", out.next, out.directive)
	}
}

func TestDecideClosedRejectsEverything(t *testing.T) {
	for _, category := range allCategories {
		out := decide(session.StateClosed, category)
		if out.next != session.StateClosed {
			t.Errorf("Closed + %s: got next %s", category, out.next)
		}
		if out.directive != session.DirectiveSessionClosed {
			t.Errorf("Closed + %s: got directive %s", category, out.directive)
		}
		if out.action != actionNone {
			t.Errorf("Closed + %s: unexpected side effect %d", category, out.action)
		}
	}
}
