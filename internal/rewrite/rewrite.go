// SPDX-License-Identifier: MIT

// Package rewrite sends the transcription to the configured
// chat-completions endpoint together with the press-time context and
// returns the rewritten text.
//
// Rewrite failure is recovered by the caller, never here: this package
// reports the failure with its stable code (HTTP_<status> or
// E_LLM_FAILED) and the pipeline continues with the ASR text unchanged.
package rewrite

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxtype/voxtype/internal/capture"
	"github.com/voxtype/voxtype/internal/fault"
)

// bodyPreviewLimit bounds the response body carried into diagnostics.
const bodyPreviewLimit = 220

// ChatCompleter is the slice of the OpenAI-compatible client this package
// needs; tests substitute a fake.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Template is the rewrite instruction resolved at task start.
type Template struct {
	ID     string
	System string // system prompt body
}

// Request carries everything one rewrite needs, all frozen at task start —
// including the endpoint coordinates, so a settings edit mid-task cannot
// redirect an in-flight call.
type Request struct {
	Transcript    string
	Pack          *capture.ContextPack
	Template      Template
	Model         string
	VisionCapable bool
	Glossary      []string

	// Endpoint coordinates from the task's snapshot. A Client constructed
	// with NewClient already has its endpoint and ignores these; callers
	// routing through a snapshot-driven dispatcher use FromRequest.
	BaseURL   string
	APIKey    string
	TimeoutMs int
}

// FromRequest builds a client from the endpoint coordinates frozen in req.
func FromRequest(req Request) *Client {
	return NewClient(req.BaseURL, req.APIKey, req.Model, time.Duration(req.TimeoutMs)*time.Millisecond)
}

// Client performs rewrites against one endpoint.
type Client struct {
	chat  ChatCompleter
	model string
}

// NewClient builds a client for an OpenAI-compatible endpoint. The base
// URL and key come from the start-options snapshot, with environment
// overrides already applied by the config layer.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Client{chat: openai.NewClientWithConfig(cfg), model: model}
}

// NewClientWith wires a custom completer (tests).
func NewClientWith(chat ChatCompleter, model string) *Client {
	return &Client{chat: chat, model: model}
}

// Rewrite performs one chat-completions call and returns the rewritten
// text. The error, if any, carries a stable code: HTTP_<status> for
// non-2xx responses, E_CANCELLED for context cancellation, E_LLM_FAILED
// otherwise.
func (c *Client) Rewrite(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.Template.System},
			userMessage(req),
		},
	}

	resp, err := c.chat.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.CodeLLMFailed, "endpoint returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fault.New(fault.CodeLLMFailed, "endpoint returned empty content")
	}
	return text, nil
}

// userMessage builds the user turn with two clearly delimited regions: the
// transcript (the only thing to rewrite) and the surrounding context.
func userMessage(req Request) openai.ChatCompletionMessage {
	var b strings.Builder
	b.WriteString("TRANSCRIPT:\n")
	b.WriteString(req.Transcript)
	b.WriteString("\n\nCONTEXT:\n")

	if len(req.Glossary) > 0 {
		b.WriteString("Glossary terms: ")
		b.WriteString(strings.Join(req.Glossary, ", "))
		b.WriteString("\n")
	}
	if pack := req.Pack; pack != nil {
		if pack.Window != nil && pack.Window.Title != "" {
			fmt.Fprintf(&b, "Active window: %s\n", pack.Window.Title)
		}
		if pack.Clipboard != "" {
			fmt.Fprintf(&b, "Clipboard:\n%s\n", pack.Clipboard)
		}
		for i, h := range pack.History {
			fmt.Fprintf(&b, "Recent text %d: %s\n", i+1, h)
		}
	}

	// Vision-capable models additionally get the window frame as an
	// inline image part.
	if req.VisionCapable && req.Pack != nil && req.Pack.Window != nil && req.Pack.Window.Screenshot != nil {
		return openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: b.String()},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Pack.Window.Screenshot),
					},
				},
			},
		}
	}

	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: b.String()}
}

// classify maps transport errors onto stable codes, truncating any body
// preview so diagnostics stay one line.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.CodeCancelled, "rewrite cancelled", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		preview := apiErr.Message
		if len(preview) > bodyPreviewLimit {
			preview = preview[:bodyPreviewLimit] + "…"
		}
		return fault.Wrap(fault.HTTPCode(apiErr.HTTPStatusCode),
			fmt.Sprintf("endpoint returned %d: %s", apiErr.HTTPStatusCode, preview), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return fault.Wrap(fault.HTTPCode(reqErr.HTTPStatusCode),
			fmt.Sprintf("endpoint returned %d", reqErr.HTTPStatusCode), err)
	}

	return fault.Wrap(fault.CodeLLMFailed, "rewrite request failed", err)
}
