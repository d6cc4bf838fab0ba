// SPDX-License-Identifier: MIT

package rewrite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxtype/voxtype/internal/capture"
	"github.com/voxtype/voxtype/internal/fault"
)

// chatServer fakes an OpenAI-compatible chat-completions endpoint.
func chatServer(t *testing.T, status int, content string, captured *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testRequest() Request {
	return Request{
		Transcript: "umm so the meeting is uh tomorrow at ten",
		Template:   Template{ID: "tmpl-polish", System: "Rewrite the transcript cleanly."},
		Pack: &capture.ContextPack{
			Clipboard: "Q3 planning doc",
			History:   []string{"previous note"},
			Window:    &capture.WindowSnapshot{Title: "Mail — compose"},
		},
	}
}

func TestRewriteSuccess(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := chatServer(t, http.StatusOK, "The meeting is tomorrow at 10:00.", &got)
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "qwen2.5", 5*time.Second)
	out, err := c.Rewrite(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "The meeting is tomorrow at 10:00." {
		t.Errorf("out = %q", out)
	}

	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d", len(got.Messages))
	}
	user := got.Messages[1].Content
	transcriptIdx := strings.Index(user, "TRANSCRIPT:")
	contextIdx := strings.Index(user, "CONTEXT:")
	if transcriptIdx < 0 || contextIdx < 0 || contextIdx < transcriptIdx {
		t.Errorf("regions not delimited:\n%s", user)
	}
	if !strings.Contains(user, "Q3 planning doc") || !strings.Contains(user, "Mail — compose") {
		t.Errorf("context fields missing:\n%s", user)
	}
}

func TestRewriteHTTPStatusCode(t *testing.T) {
	srv := chatServer(t, http.StatusInternalServerError, "", nil)
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "qwen2.5", 5*time.Second)
	_, err := c.Rewrite(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fault.CodeOf(err); got != "HTTP_500" {
		t.Errorf("code = %q, want HTTP_500", got)
	}
}

func TestRewrite4xxStatusCode(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "", nil)
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "qwen2.5", 5*time.Second)
	_, err := c.Rewrite(context.Background(), testRequest())
	if got := fault.CodeOf(err); got != "HTTP_429" {
		t.Errorf("code = %q, want HTTP_429", got)
	}
}

func TestRewriteUnreachableEndpoint(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "test-key", "qwen2.5", time.Second)
	_, err := c.Rewrite(context.Background(), testRequest())
	if got := fault.CodeOf(err); got != fault.CodeLLMFailed {
		t.Errorf("code = %q, want %q", got, fault.CodeLLMFailed)
	}
}

func TestRewriteCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, "test-key", "qwen2.5", 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Rewrite(ctx, testRequest())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if got := fault.CodeOf(err); got != fault.CodeCancelled {
			t.Errorf("code = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel not observed")
	}
}

func TestRewriteEmptyContent(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "   ", nil)
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "qwen2.5", 5*time.Second)
	_, err := c.Rewrite(context.Background(), testRequest())
	if got := fault.CodeOf(err); got != fault.CodeLLMFailed {
		t.Errorf("code = %q", got)
	}
}

func TestVisionMessageCarriesImagePart(t *testing.T) {
	req := testRequest()
	req.VisionCapable = true
	req.Pack.Window.Screenshot = []byte{1, 2, 3, 4}
	req.Pack.Window.ScreenshotW, req.Pack.Window.ScreenshotH = 1, 1

	msg := userMessage(req)
	if len(msg.MultiContent) != 2 {
		t.Fatalf("multi content parts = %d", len(msg.MultiContent))
	}
	if msg.MultiContent[1].Type != openai.ChatMessagePartTypeImageURL {
		t.Errorf("second part type = %v", msg.MultiContent[1].Type)
	}
	if !strings.HasPrefix(msg.MultiContent[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image url = %q", msg.MultiContent[1].ImageURL.URL)
	}
}
