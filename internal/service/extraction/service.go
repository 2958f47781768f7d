package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nomeentregaron/medbot/internal/model/session"
)

var (
	// ErrNotAPrescription means the upstream classifier rejected the image.
	// The user is asked to upload a valid prescription; no retry.
	ErrNotAPrescription = errors.New("image is not a prescription")
	// ErrUnreadable means the upstream answered but the result was partial
	// or garbled. The user is asked to resend a clearer photo; no retry.
	ErrUnreadable = errors.New("prescription is unreadable")
	// ErrUpstreamUnavailable is a transient upstream failure. The bridge
	// retries it once before surfacing it.
	ErrUpstreamUnavailable = errors.New("extraction upstream unavailable")
)

// NotAPrescriptionMarker is the sentence the upstream prompt instructs the
// model to answer with when the image is not a medical prescription.
const NotAPrescriptionMarker = "La imagen que enviaste no contiene una fórmula médica válida"

// Upstream is the raw vision call: prompt plus image reference in, model
// text out.
type Upstream interface {
	DescribeImage(ctx context.Context, prompt, imageRef string) (string, error)
}

// Unavailable is the extractor used when no upstream credentials are
// configured. Every call reports a transient failure so the user is told to
// try again later rather than being dropped.
type Unavailable struct{}

// Extract always reports the upstream as unavailable.
func (Unavailable) Extract(context.Context, string) (session.PatientData, error) {
	return nil, fmt.Errorf("%w: no upstream configured", ErrUpstreamUnavailable)
}

// Service is the extraction bridge: it drives the upstream vision call and
// normalizes the reply into the session's patient-data payload.
type Service struct {
	upstream   Upstream
	retryDelay time.Duration
}

// NewService wraps an upstream vision client.
func NewService(upstream Upstream) *Service {
	return &Service{upstream: upstream, retryDelay: 2 * time.Second}
}

// Extract runs the prescription extraction for one uploaded image. Transient
// upstream failures get a single retry with backoff; rejection and garbled
// results are surfaced as-is for the user to act on.
func (s *Service) Extract(ctx context.Context, imageRef string) (session.PatientData, error) {
	reply, err := s.upstream.DescribeImage(ctx, extractionPrompt, imageRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		log.Printf("[extraction] upstream call failed, retrying once: %v", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
		case <-time.After(s.retryDelay):
		}
		reply, err = s.upstream.DescribeImage(ctx, extractionPrompt, imageRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
	}

	return parseReply(reply)
}

// parseReply turns the model's free-form answer into a verbatim JSON payload,
// classifying rejections and garbled output along the way.
func parseReply(reply string) (session.PatientData, error) {
	if strings.Contains(reply, NotAPrescriptionMarker) {
		return nil, ErrNotAPrescription
	}

	raw := extractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in upstream reply", ErrUnreadable)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !hasPatientIdentity(fields) {
		return nil, fmt.Errorf("%w: missing patient identity fields", ErrUnreadable)
	}

	data := session.PatientData(raw)
	if data.Empty() {
		return nil, fmt.Errorf("%w: empty payload", ErrUnreadable)
	}
	return data, nil
}

// extractJSON returns the outermost JSON object embedded in the reply, which
// models tend to wrap in prose or code fences.
func extractJSON(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return reply[start : end+1]
}

// hasPatientIdentity is the only inspection the bridge performs: either a
// document type/number pair or a patient name must be present. Everything
// else in the payload is opaque.
func hasPatientIdentity(fields map[string]any) bool {
	nonEmpty := func(key string) bool {
		v, ok := fields[key].(string)
		return ok && strings.TrimSpace(v) != ""
	}
	if nonEmpty("tipo_documento") && nonEmpty("numero_documento") {
		return true
	}
	return nonEmpty("paciente")
}

const extractionPrompt = `Eres un asistente que extrae datos de fórmulas médicas colombianas.
Analiza la imagen adjunta y responde únicamente con un objeto JSON con estas claves:
tipo_documento, numero_documento, paciente, telefonos, fecha_atencion, ips, eps,
medico, regimen, ciudad, direccion, diagnostico, medicamentos.
Usa null para los datos que no aparezcan. Si la imagen no es una fórmula médica,
responde exactamente: "` + NotAPrescriptionMarker + `".`
