package webhook

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nomeentregaron/medbot/internal/model/session"
	sessionService "github.com/nomeentregaron/medbot/internal/service/session"
	"github.com/nomeentregaron/medbot/pkg/utils"
)

// Handler receives channel webhooks, normalizes them into inbound events,
// and returns the session service's directives to the caller.
type Handler struct {
	sessions    *sessionService.Service
	verifyToken string
}

// New creates the webhook handler. verifyToken backs the WhatsApp
// subscription handshake.
func New(sessions *sessionService.Service, verifyToken string) *Handler {
	return &Handler{sessions: sessions, verifyToken: verifyToken}
}

// RegisterRoutes mounts the channel webhook endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhooks/whatsapp", h.handleWhatsAppVerify)
	r.Post("/webhooks/whatsapp", h.handleWhatsApp)
	r.Post("/webhooks/telegram", h.handleTelegram)
}

// handleWhatsAppVerify answers Meta's subscription handshake: echo the
// challenge when the verify token matches.
func (h *Handler) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		utils.RespondError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

// whatsappPayload is the slice of Meta's webhook body this service reads.
type whatsappPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Image struct {
						ID   string `json:"id"`
						Link string `json:"link"`
					} `json:"image"`
					Timestamp string `json:"timestamp"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (h *Handler) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	var payload whatsappPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}

	var events []session.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev := session.InboundEvent{
					EventID:    msg.ID,
					Channel:    session.ChannelWhatsApp,
					UserID:     msg.From,
					Text:       msg.Text.Body,
					ReceivedAt: parseUnixSeconds(msg.Timestamp),
				}
				if msg.Type == "image" {
					ev.ImageRef = msg.Image.Link
					if ev.ImageRef == "" {
						ev.ImageRef = msg.Image.ID
					}
				}
				events = append(events, ev)
			}
		}
	}
	if len(events) == 0 {
		// Status callbacks and other non-message notifications are
		// acknowledged without session work.
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.dispatch(w, r, events)
}

// telegramUpdate is the slice of a Telegram Bot API update this service reads.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text  string `json:"text"`
		Photo []struct {
			FileID string `json:"file_id"`
		} `json:"photo"`
		Date int64 `json:"date"`
	} `json:"message"`
}

func (h *Handler) handleTelegram(w http.ResponseWriter, r *http.Request) {
	var update telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}
	if update.Message.Chat.ID == 0 {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ev := session.InboundEvent{
		EventID: strconv.FormatInt(update.UpdateID, 10),
		Channel: session.ChannelTelegram,
		UserID:  strconv.FormatInt(update.Message.Chat.ID, 10),
		Text:    update.Message.Text,
	}
	if update.Message.Date > 0 {
		ev.ReceivedAt = time.Unix(update.Message.Date, 0).UTC()
	}
	if len(update.Message.Photo) > 0 {
		// Telegram sends several resolutions; the last one is the largest.
		ev.ImageRef = update.Message.Photo[len(update.Message.Photo)-1].FileID
	}

	h.dispatch(w, r, []session.InboundEvent{ev})
}

// dispatch runs the events through the session service in arrival order and
// answers with the resulting directives. A store outage answers 503 so the
// channel redelivers.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, events []session.InboundEvent) {
	directives := make([]session.Directive, 0, len(events))
	for _, ev := range events {
		d, err := h.sessions.HandleEvent(r.Context(), ev)
		if err != nil {
			if errors.Is(err, sessionService.ErrInvalidEvent) {
				utils.RespondError(w, http.StatusBadRequest, "event missing channel or user identity")
				return
			}
			log.Printf("[webhook] event %s not consumed: %v", ev.EventID, err)
			utils.RespondJSON(w, http.StatusServiceUnavailable, d)
			return
		}
		directives = append(directives, d)
	}

	if len(directives) == 1 {
		utils.RespondJSON(w, http.StatusOK, directives[0])
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"directives": directives})
}

func parseUnixSeconds(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
