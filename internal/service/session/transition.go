package session

import (
	"github.com/nomeentregaron/medbot/internal/analysis/intent"
	"github.com/nomeentregaron/medbot/internal/model/session"
)

// action is the side effect a transition asks the service to perform.
type action int

const (
	actionNone action = iota
	actionGrantConsent
	actionExtract
	actionClose
	actionCloseNoConsent
)

// outcome is the result of the pure transition function: the next state, the
// side effect to run, and the directive to hand back to the channel.
type outcome struct {
	next      session.State
	action    action
	directive session.DirectiveKind
	message   string
}

// Reply texts sent back through the channel dispatcher.
const (
	msgWelcomeConsent = "👋 ¡Hola! Bienvenido a No Me Entregaron. Estamos aquí para ayudarte con la entrega de tus medicamentos. " +
		"Antes de continuar, ¿autorizas el tratamiento de tus datos personales para este fin? 🙏"
	msgConsentReminder = "📝 Para procesar tu fórmula médica, necesito tu autorización. ¿Deseas continuar?"
	msgConsentGranted  = "¡Gracias! Ahora envíame una foto clara y legible de tu fórmula médica 📸."
	msgReprompt        = "Envíame una foto de tu fórmula médica 📸, o escribe \"no necesito nada más\" para finalizar."
	msgRetryUpload     = "Por favor, envíame una foto clara y legible de tu fórmula médica."
	msgUnreadable      = "No pude extraer la información de tu fórmula correctamente. Por favor envía una foto más clara."
	msgAcknowledge     = "✅ Prescripción procesada exitosamente. He extraído la información de tu fórmula médica."
	msgClosed          = "¡Gracias por usar nuestro servicio! 😊 Tu sesión ha finalizado."
	msgClosedNoConsent = "Entendido, no procesaremos tus datos. Tu sesión ha finalizado."
	msgSessionEnded    = "Tu sesión ya ha finalizado. Escríbenos de nuevo si necesitas ayuda."
	msgTransientError  = "Disculpa, hubo un error técnico. Por favor intenta nuevamente."
)

// decide maps (state, intent category) to an outcome. It is total: every
// combination lands somewhere, and anything unrecognized re-prompts instead
// of failing.
func decide(state session.State, category intent.Category) outcome {
	switch state {
	case session.StateNew:
		// Whatever the first message carries, consent comes first.
		return outcome{
			next:      session.StateConsentPending,
			directive: session.DirectiveRequestConsent,
			message:   msgWelcomeConsent,
		}

	case session.StateConsentPending:
		switch category {
		case intent.ConsentAffirmative:
			return outcome{
				next:      session.StateActive,
				action:    actionGrantConsent,
				directive: session.DirectiveReprompt,
				message:   msgConsentGranted,
			}
		case intent.ConsentNegative:
			return outcome{
				next:      session.StateClosed,
				action:    actionCloseNoConsent,
				directive: session.DirectiveSessionClosed,
				message:   msgClosedNoConsent,
			}
		default:
			return outcome{
				next:      session.StateConsentPending,
				directive: session.DirectiveRequestConsent,
				message:   msgConsentReminder,
			}
		}

	case session.StateActive:
		switch category {
		case intent.HasImage:
			return outcome{
				next:      session.StateActive,
				action:    actionExtract,
				directive: session.DirectiveAcknowledge,
				message:   msgAcknowledge,
			}
		case intent.TerminationPhrase:
			return outcome{
				next:      session.StateClosed,
				action:    actionClose,
				directive: session.DirectiveSessionClosed,
				message:   msgClosed,
			}
		default:
			return outcome{
				next:      session.StateActive,
				directive: session.DirectiveReprompt,
				message:   msgReprompt,
			}
		}

	case session.StateClosed:
		return outcome{
			next:      session.StateClosed,
			directive: session.DirectiveSessionClosed,
			message:   msgSessionEnded,
		}

	default:
		// Unknown state in storage; treat like an active re-prompt so a
		// single odd record cannot take the dispatcher down.
		return outcome{
			next:      state,
			directive: session.DirectiveReprompt,
			message:   msgReprompt,
		}
	}
}
