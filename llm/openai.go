// Package llm translates transcribed speech between English and Welsh through
// an OpenAI-compatible chat completion endpoint.
package llm

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

const (
	// ToolName is the only output path the model is allowed to take.
	ToolName = "translate_transcription"

	DefaultModel     = openai.GPT4oMini
	DefaultMaxTokens = 1000
	DefaultTimeout   = 15 * time.Second

	systemPrompt = "You are a Welsh-English translator. Determine if the input is Welsh or English, then translate it to the other language."
	userPrompt   = "You have access to tools that you can use to process the output of the translation. Translate the following text: "
)

var (
	errNoToolCall    = errors.New("response did not call the translation tool")
	errWrongTool     = errors.New("response called an unexpected tool")
	errBadLanguage   = errors.New("language outside en/cy")
	errEmptyResponse = errors.New("translated text is empty")
)

// Config holds the gateway connection settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Stats is a point-in-time view of translator activity.
type Stats struct {
	Total    int64
	Failed   int64
	InFlight int64
}

// Translator performs one blocking translation per call. It is safe for
// concurrent use.
type Translator struct {
	client *openai.Client
	cfg    Config
	logger *zap.SugaredLogger
	tool   openai.Tool

	total    atomic.Int64
	failed   atomic.Int64
	inFlight atomic.Int64
}

// NewTranslator creates a Translator. Zero config fields take defaults.
func NewTranslator(cfg Config, logger *zap.SugaredLogger) *Translator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Translator{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
		tool:   translationTool(),
	}
}

func translationTool() openai.Tool {
	language := jsonschema.Definition{
		Type:        jsonschema.String,
		Description: "en for English and cy for Welsh",
		Enum:        []string{model.LanguageEnglish, model.LanguageWelsh},
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ToolName,
			Description: "Use this tool to display transcription results",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"originalLanguage":   language,
					"originalText":       {Type: jsonschema.String, Description: "The text to be translated"},
					"translatedLanguage": language,
					"translatedText":     {Type: jsonschema.String, Description: "The text that was translated"},
				},
				Required: []string{"originalLanguage", "originalText", "translatedLanguage", "translatedText"},
			},
		},
	}
}

// Translate returns the translation of text. It never returns an error: any
// failure yields model.FailedTranslation(text).
func (t *Translator) Translate(ctx context.Context, text string) model.TranslationResult {
	t.total.Add(1)
	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)

	start := time.Now()
	result, err := t.translate(ctx, text)
	if err != nil {
		t.failed.Add(1)
		t.logger.Warnw("translation failed",
			"error", err,
			"text", text,
			"duration", time.Since(start),
		)
		return model.FailedTranslation(text)
	}

	t.logger.Debugw("translation complete",
		"from", result.OriginalLanguage,
		"to", result.TranslatedLanguage,
		"duration", time.Since(start),
	)
	return result
}

func (t *Translator) translate(ctx context.Context, text string) (model.TranslationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt + text},
		},
		Tools: []openai.Tool{t.tool},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: ToolName},
		},
		// A zero temperature is dropped by omitempty.
		Temperature: math.SmallestNonzeroFloat32,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		return model.TranslationResult{}, errors.Wrap(err, "chat completion")
	}

	return parseToolCall(resp)
}

func parseToolCall(resp openai.ChatCompletionResponse) (model.TranslationResult, error) {
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return model.TranslationResult{}, errNoToolCall
	}
	call := resp.Choices[0].Message.ToolCalls[0]
	if call.Function.Name != ToolName {
		return model.TranslationResult{}, errors.Wrap(errWrongTool, call.Function.Name)
	}

	var result model.TranslationResult
	if err := json.Unmarshal([]byte(call.Function.Arguments), &result); err != nil {
		return model.TranslationResult{}, errors.Wrap(err, "decode tool arguments")
	}
	if !validLanguage(result.OriginalLanguage) || !validLanguage(result.TranslatedLanguage) {
		return model.TranslationResult{}, errors.Wrapf(errBadLanguage, "%q -> %q",
			result.OriginalLanguage, result.TranslatedLanguage)
	}
	if strings.TrimSpace(result.TranslatedText) == "" {
		return model.TranslationResult{}, errEmptyResponse
	}
	return result, nil
}

func validLanguage(code string) bool {
	return code == model.LanguageEnglish || code == model.LanguageWelsh
}

// Stats reports call counters.
func (t *Translator) Stats() Stats {
	return Stats{
		Total:    t.total.Load(),
		Failed:   t.failed.Load(),
		InFlight: t.inFlight.Load(),
	}
}
