package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nomeentregaron/medbot/internal/model/session"
)

// ErrNoPatientData means the archived session carries nothing to file about.
var ErrNoPatientData = errors.New("archived session has no patient data")

// Completer is the chat-completion call the generator needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Service renders an archived patient record into legal filing text. It is a
// downstream consumer of closed sessions and never touches the state machine.
type Service struct {
	llm Completer
}

// NewService wraps a completion client.
func NewService(llm Completer) *Service { return &Service{llm: llm} }

const systemPrompt = `Eres un asistente legal colombiano. Redacta el texto de una
reclamación formal ante la EPS por la no entrega de medicamentos, a partir de los
datos del paciente extraídos de su fórmula médica. Usa un tono formal y cita el
derecho fundamental a la salud.`

// Generate produces the filing text for an archived session and risk
// category. The record's patient data is passed through verbatim; the
// generator does not reinterpret its fields.
func (s *Service) Generate(ctx context.Context, record *session.Session, riskCategory string) (string, error) {
	if record.PatientData.Empty() {
		return "", ErrNoPatientData
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Datos del paciente (JSON):\n%s\n", string(record.PatientData))
	if riskCategory != "" {
		fmt.Fprintf(&b, "\nCategoría de riesgo: %s\n", riskCategory)
	}
	fmt.Fprintf(&b, "\nCanal de origen: %s. Sesión cerrada: %s.\n", record.Channel, record.CloseReason)

	text, err := s.llm.Complete(ctx, systemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("generate filing text: %w", err)
	}
	return text, nil
}

// OpenAICompleter is a thin chat-completion client for the generator.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter builds the completion client. baseURL is optional and
// supports OpenAI-compatible gateways.
func NewOpenAICompleter(apiKey, baseURL, model string) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), model: model}
}

// Complete sends a system+user prompt pair and returns the reply text.
func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
