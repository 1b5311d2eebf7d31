// Package judge runs structured LLM calls: prompt in, validated JSON out.
//
// Every judge in the engine (match, coherence, safety, actionability, query
// generation) is a Call with a typed result. Responses that fail to parse or
// validate are retried with the validation error appended to the prompt, up
// to MaxSchemaRetries attempts.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/sift/ai/openrouter"
	"github.com/teranos/sift/errors"
)

// MaxSchemaRetries is how many times a judge call is re-issued when the
// model returns output that fails JSON parsing or validation.
const MaxSchemaRetries = 3

// ChatClient is the slice of the OpenRouter client the judge needs.
// Satisfied by *openrouter.Client; tests substitute fakes.
type ChatClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// Request describes one judge invocation
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    *int
}

// Call issues a judge request and decodes the response into T.
//
// validate may be nil. When provided it checks semantic constraints the JSON
// schema can't express (enum values, field interdependencies); a validation
// failure counts as a schema failure and triggers a retry with feedback.
//
// After MaxSchemaRetries failed attempts the call returns an error wrapping
// errors.ErrSchemaValidation, which is terminal and never retried at the
// job level.
func Call[T any](ctx context.Context, client ChatClient, req Request, validate func(T) error, log *zap.SugaredLogger) (T, error) {
	var zero T

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	userPrompt := req.UserPrompt
	var lastErr error

	for attempt := 1; attempt <= MaxSchemaRetries; attempt++ {
		resp, err := client.Chat(ctx, openrouter.ChatRequest{
			SystemPrompt: req.SystemPrompt,
			UserPrompt:   userPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		})
		if err != nil {
			// Transport-level failure: surface immediately, the job layer
			// owns retries for these
			return zero, errors.Wrap(err, "judge call failed")
		}

		result, parseErr := decode[T](resp.Content, validate)
		if parseErr == nil {
			if attempt > 1 {
				log.Infow("Judge output validated after retries", "attempts", attempt)
			}
			return result, nil
		}

		lastErr = parseErr
		log.Warnw("Judge output failed validation",
			"attempt", attempt,
			"max_retries", MaxSchemaRetries,
			"error", parseErr,
		)

		// Feed the validation error back so the model can correct itself
		userPrompt = fmt.Sprintf("%s\n\nYour previous response was invalid: %v\nRespond with corrected JSON only.", req.UserPrompt, parseErr)
	}

	return zero, errors.Wrapf(errors.ErrSchemaValidation, "judge output invalid after %d attempts: %v", MaxSchemaRetries, lastErr)
}

// decode extracts JSON from model output and unmarshals it into T
func decode[T any](content string, validate func(T) error) (T, error) {
	var result T

	raw, err := ExtractJSON(content)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return result, errors.Wrap(err, "failed to unmarshal judge output")
	}

	if validate != nil {
		if err := validate(result); err != nil {
			return result, errors.Wrap(err, "judge output failed validation")
		}
	}

	return result, nil
}

// ExtractJSON pulls a JSON object or array out of model output. Handles raw
// JSON, fenced ```json blocks, and prose-wrapped JSON.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)

	// Fenced code block
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		// Skip optional language tag ("json", "JSON")
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			firstLine := strings.TrimSpace(rest[:nl])
			if firstLine == "" || strings.EqualFold(firstLine, "json") {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			content = strings.TrimSpace(rest[:end])
		}
	}

	// Already clean JSON
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return content, nil
	}

	// Prose-wrapped: find the outermost object or array
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(content, pair[0])
		end := strings.LastIndexByte(content, pair[1])
		if start >= 0 && end > start {
			return content[start : end+1], nil
		}
	}

	return "", errors.New("no JSON found in model output")
}
