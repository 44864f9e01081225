package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rs/zerolog"
)

// maxPromptChars limits how much page text is sent to the model.
const maxPromptChars = 2000

const draftSystemPrompt = `Generate 3-5 multiple choice quiz questions based on the provided text content. ` +
	`Respond with JSON in this format: {"questions": [{"question": "Question text", ` +
	`"options": ["A", "B", "C", "D"], "correct_answer": 0, "type": "multiple_choice", ` +
	`"explanation": "Why the answer is correct"}]}`

// OpenAIDrafter drafts questions with the chat-completions API.
type OpenAIDrafter struct {
	client openai.Client
	model  string
	log    zerolog.Logger
}

// NewOpenAIDrafter builds a drafter. baseURL may be empty.
func NewOpenAIDrafter(apiKey, baseURL, model string, log zerolog.Logger, opts ...option.RequestOption) *OpenAIDrafter {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIDrafter{
		client: openai.NewClient(reqOpts...),
		model:  model,
		log:    log.With().Str("component", "quiz-drafter").Logger(),
	}
}

type draftResponse struct {
	Questions []Question `json:"questions"`
}

func (d *OpenAIDrafter) Draft(ctx context.Context, text string) ([]Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInsufficientFacts
	}
	if r := []rune(text); len(r) > maxPromptChars {
		text = string(r[:maxPromptChars])
	}

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: d.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(draftSystemPrompt),
			openai.UserMessage("Generate quiz questions for this content:\n\n" + text),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errors.New("chat completion returned no content")
	}

	var parsed draftResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("decode drafted questions: %w", err)
	}

	var out []Question
	for i, q := range parsed.Questions {
		if q.Type == "" {
			q.Type = TypeMultipleChoice
		}
		if err := q.Validate(); err != nil {
			d.log.Debug().Err(err).Int("index", i).Msg("dropping drafted question")
			continue
		}
		out = append(out, q)
		if len(out) == MaxDrafted {
			break
		}
	}
	return Dedupe(out), nil
}

// Fallback tries each drafter in order and returns the first non-empty draft.
// Failures are logged; an exhausted chain yields an empty list.
type Fallback struct {
	Drafters []Drafter
	Log      zerolog.Logger
}

func (f Fallback) Draft(ctx context.Context, text string) ([]Question, error) {
	for _, d := range f.Drafters {
		qs, err := d.Draft(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.Log.Warn().Err(err).Str("drafter", fmt.Sprintf("%T", d)).Msg("quiz drafting failed")
			continue
		}
		if len(qs) > 0 {
			return qs, nil
		}
	}
	return []Question{}, nil
}
