package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"arcanabot/pkg/domain"
)

// GeminiConfig selects the models used by each call type.
type GeminiConfig struct {
	APIKey          string
	VisionModel     string
	InterpretModel  string
	ClassifierModel string
}

// Gemini implements Interpreter, Classifier, and RejectionWriter over the
// Google AI Studio API.
type Gemini struct {
	cfg GeminiConfig
}

// NewGemini validates the config and returns the client wrapper.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key required")
	}
	if cfg.VisionModel == "" || cfg.InterpretModel == "" || cfg.ClassifierModel == "" {
		return nil, errors.New("gemini model names required")
	}
	return &Gemini{cfg: cfg}, nil
}

const firstStagePrompt = `You are the vision stage of a palmistry reading service.
Describe the palm in the photo: the major lines (heart, head, life, fate),
their depth, length, breaks and forks, the mounts, and overall hand shape.
Be concrete and neutral; no interpretation yet.
Return STRICT JSON: {"description": string}`

// FirstStage runs the expensive vision pass and returns the palm description
// cached for retopic reuse.
func (g *Gemini) FirstStage(ctx context.Context, image []byte) (domain.Intermediate, error) {
	raw, err := g.generate(ctx, g.cfg.VisionModel, true, []genai.Part{
		genai.Text(firstStagePrompt),
		genai.ImageData(imageFormat(image), image),
	})
	if err != nil {
		return domain.Intermediate{}, fmt.Errorf("first stage: %w", err)
	}
	var inter domain.Intermediate
	if err := json.Unmarshal([]byte(raw), &inter); err != nil {
		return domain.Intermediate{}, fmt.Errorf("first stage: decode %q: %w", clip(raw), err)
	}
	if strings.TrimSpace(inter.Description) == "" {
		return domain.Intermediate{}, errors.New("first stage: empty description")
	}
	return inter, nil
}

var facetThemes = map[domain.Facet]string{
	domain.FacetLove:    "love and relationships",
	domain.FacetCareer:  "career and vocation",
	domain.FacetHealth:  "health and vitality",
	domain.FacetFinance: "money and prosperity",
	domain.FacetFamily:  "family and home",
	domain.FacetDestiny: "destiny and life path",
	domain.FacetAll:     "a complete reading across love, career, health, money, family, and destiny",
}

var personaVoices = map[domain.Persona]string{
	domain.PersonaMystic:  "a mysterious fortune teller speaking in evocative imagery",
	domain.PersonaScholar: "a calm scholar of palmistry explaining traditions and symbolism",
	domain.PersonaFriend:  "a warm, encouraging friend keeping things light",
}

// SecondStage turns a cached palm description into the facet reading.
func (g *Gemini) SecondStage(ctx context.Context, inter domain.Intermediate, persona domain.Persona, facet domain.Facet, language string) (domain.Interpretation, error) {
	voice, ok := personaVoices[persona]
	if !ok {
		voice = personaVoices[domain.PersonaMystic]
	}
	theme, ok := facetThemes[facet]
	if !ok {
		return domain.Interpretation{}, fmt.Errorf("second stage: unknown facet %q", facet)
	}
	prompt := fmt.Sprintf(`You are %s. Using the palm description below, write a reading
focused on %s. Respond in language %q. Plain text, no markdown headers.

Palm description:
%s`, voice, theme, language, inter.Description)

	text, err := g.generate(ctx, g.cfg.InterpretModel, false, []genai.Part{genai.Text(prompt)})
	if err != nil {
		return domain.Interpretation{}, fmt.Errorf("second stage: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Interpretation{}, errors.New("second stage: empty reading")
	}
	return domain.Interpretation{Text: text, Cost: 1}, nil
}

const classifyPrompt = `Classify the photo for a palm-reading service.
Decide whether it clearly shows an open human palm usable for palmistry.
Return STRICT JSON:
{"valid": boolean, "category": string, "confidence": number, "description": string}
confidence is your certainty in the valid/invalid decision, between 0 and 1.
category is a one-word label of what the photo actually shows.`

// Classify runs the content check over a submitted photo.
func (g *Gemini) Classify(ctx context.Context, image []byte) (domain.ValidationResult, error) {
	raw, err := g.generate(ctx, g.cfg.ClassifierModel, true, []genai.Part{
		genai.Text(classifyPrompt),
		genai.ImageData(imageFormat(image), image),
	})
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("classify: %w", err)
	}
	var verdict domain.ValidationResult
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return domain.ValidationResult{}, fmt.Errorf("classify: decode %q: %w", clip(raw), err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return domain.ValidationResult{}, fmt.Errorf("classify: confidence %v out of range", verdict.Confidence)
	}
	return verdict, nil
}

// RejectionNote writes a short personalized explanation of why the photo was
// not usable, based on what the classifier saw.
func (g *Gemini) RejectionNote(ctx context.Context, verdict domain.ValidationResult, language string) (string, error) {
	prompt := fmt.Sprintf(`A user sent a photo to a palm-reading bot, but it shows %q (%s),
not an open palm. Write two friendly sentences in language %q explaining the
photo cannot be read and how to take a usable palm photo. No apology spam.`,
		verdict.Category, verdict.Description, language)
	text, err := g.generate(ctx, g.cfg.ClassifierModel, false, []genai.Part{genai.Text(prompt)})
	if err != nil {
		return "", fmt.Errorf("rejection note: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("rejection note: empty response")
	}
	return text, nil
}

func (g *Gemini) generate(ctx context.Context, model string, jsonMode bool, parts []genai.Part) (string, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(g.cfg.APIKey))
	if err != nil {
		return "", err
	}
	defer cl.Close()

	m := cl.GenerativeModel(strings.TrimSpace(model))
	cfg := genai.GenerationConfig{Temperature: ptrFloat32(0.7)}
	if jsonMode {
		cfg.Temperature = ptrFloat32(0)
		cfg.ResponseMIMEType = "application/json"
	}
	m.GenerationConfig = cfg

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", errors.New("gemini: no text parts in response")
	}
	if jsonMode {
		out = strings.TrimPrefix(out, "```json")
		out = strings.TrimPrefix(out, "```")
		out = strings.TrimSuffix(out, "```")
		out = strings.TrimSpace(out)
	}
	return out, nil
}

// imageFormat maps the sniffed mime type to the format label genai expects.
func imageFormat(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpeg"
	}
}

func clip(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

func ptrFloat32(v float32) *float32 { return &v }

var (
	_ Interpreter     = (*Gemini)(nil)
	_ Classifier      = (*Gemini)(nil)
	_ RejectionWriter = (*Gemini)(nil)
)
