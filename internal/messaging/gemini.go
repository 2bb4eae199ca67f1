package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini generates messages with a Gemini model.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini opens a client; the caller closes it with Close.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	return g.complete(ctx, Prompt(req), 0.4)
}

// Parse reads a reply with the model. Answers without a JSON object fail
// with ErrUnreadableReply so a ParserFallback can take over.
func (g *Gemini) Parse(ctx context.Context, text string, audience Audience) (Parsed, error) {
	if strings.TrimSpace(text) == "" {
		return KeywordParser{}.Parse(ctx, text, audience)
	}
	answer, err := g.complete(ctx, ParsePrompt(text, audience), 0.2)
	if err != nil {
		return Parsed{}, err
	}
	return decodeParsed(answer)
}

func (g *Gemini) complete(ctx context.Context, prompt string, temperature float32) (string, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(temperature)
	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify(ctx, err)
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		break
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrGenerationUnavailable)
	}
	return text, nil
}

// Prompt builds the instruction sent to the model.
func Prompt(req Request) string {
	var b strings.Builder
	switch req.Audience {
	case AudienceProvider:
		b.WriteString("Write a short, formal follow-up to a pension provider's LOA team.\n")
	default:
		b.WriteString("Write a short, warm message from a financial advisor to their client.\n")
	}
	fmt.Fprintf(&b, "Purpose: %s\nChannel: %s\n", req.Purpose, req.Channel)
	fmt.Fprintf(&b, "Case: %s\nClient: %s\nProvider: %s\nAdvisor: %s\n", req.CaseID, req.ClientName, firstNonEmpty(req.ProviderName, req.ProviderID), req.AdvisorName)
	fmt.Fprintf(&b, "Days waiting: %d\n", req.DaysInState)
	if req.DaysPastSLA > 0 {
		fmt.Fprintf(&b, "Days past provider SLA: %d\n", req.DaysPastSLA)
	}
	if req.Attempt > 1 {
		fmt.Fprintf(&b, "This is follow-up number %d; be firmer but polite.\n", req.Attempt)
	}
	if len(req.RejectionReasons) > 0 {
		fmt.Fprintf(&b, "Previously rejected documents: %s. Ask for replacements.\n", strings.Join(req.RejectionReasons, "; "))
	}
	if len(req.MissingDocuments) > 0 {
		fmt.Fprintf(&b, "Fact-find documents still missing: %s. Mention them briefly.\n", strings.Join(req.MissingDocuments, "; "))
	}
	if req.Channel == "sms" || req.Channel == "whatsapp" {
		b.WriteString("Keep it under 300 characters.\n")
	}
	b.WriteString("Return only the message text.")
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
