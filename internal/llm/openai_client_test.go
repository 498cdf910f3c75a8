package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/logger"
	"storyos/server/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:    srv.URL + "/v1",
		APIKey:     "test",
		Model:      "narrator",
		ImageModel: "painter",
		MaxTokens:  100,
		MaxRetries: 3,
	}, logger.Nop())
}

func TestStreamComplete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"stream":true`) {
			t.Errorf("request is not streaming: %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"You ", "open ", "the door."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	events, err := c.StreamComplete(context.Background(), []models.PromptMessage{{Role: models.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	var text strings.Builder
	var last interfaces.StreamEvent
	for ev := range events {
		last = ev
		if ev.Kind == interfaces.EventFragment {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "You open the door." {
		t.Errorf("narration = %q", text.String())
	}
	if last.Kind != interfaces.EventDone {
		t.Errorf("last event = %s, want done", last.Kind)
	}
}

func TestCompleteWithSchemaRetriesServerErrors(t *testing.T) {
	retryDelay = time.Millisecond
	t.Cleanup(func() { retryDelay = time.Second })

	var mu sync.Mutex
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":{"message":"upstream","type":"server_error"}}`)
			return
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		format, _ := req["response_format"].(map[string]any)
		if format["type"] != "json_schema" {
			t.Errorf("response_format = %v", req["response_format"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}]}`)
	})

	out, err := c.CompleteWithSchema(context.Background(), nil, interfaces.Schema{Name: "t", Definition: json.RawMessage(`{"type":"object"}`)})
	if err != nil {
		t.Fatalf("CompleteWithSchema: %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("output = %q", out)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCompleteWithSchemaDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad schema","type":"invalid_request_error"}}`)
	})
	if _, err := c.CompleteWithSchema(context.Background(), nil, interfaces.Schema{Name: "t", Definition: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGenerateImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"created":1,"data":[{"url":"https://img.example/1.png"}]}`)
	})
	resp, err := c.GenerateImage(context.Background(), &interfaces.ImageRequest{Prompt: "a lab"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if resp.ImageURL != "https://img.example/1.png" {
		t.Errorf("url = %q", resp.ImageURL)
	}
}

func TestAvailable(t *testing.T) {
	if NewClient(Config{Model: "m"}, logger.Nop()).Available() {
		t.Errorf("client without key or endpoint must be unavailable")
	}
	if !NewClient(Config{Model: "m", APIKey: "k"}, logger.Nop()).Available() {
		t.Errorf("client with key must be available")
	}
	var nilClient *Client
	if nilClient.Available() {
		t.Errorf("nil client must be unavailable")
	}
}
