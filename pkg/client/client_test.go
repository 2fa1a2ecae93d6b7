package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/internal/testutil"
)

func newTestClient(t *testing.T, origin *testutil.MockOrigin) *Client {
	t.Helper()

	cfg := DefaultConfig(origin.URL())
	cfg.Retry = fastRetryConfig(3)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://app.example.com"),
		},
		{
			name:        "relative base url",
			config:      DefaultConfig("/app"),
			expectError: true,
			errorMsg:    "base url must be absolute",
		},
		{
			name: "missing user agent",
			config: Config{
				BaseURL: "https://app.example.com",
			},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || c == nil {
				t.Fatalf("New() = %v, %v", c, err)
			}
		})
	}
}

func TestClient_Fetch(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/audio/a.mp3", testutil.NewAssetResponse(2048))

	c := newTestClient(t, origin)
	payload, err := c.Fetch(context.Background(), "/audio/a.mp3")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if payload.Size() != 2048 {
		t.Errorf("Size() = %d, want 2048", payload.Size())
	}
	if payload.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q", payload.ContentType)
	}
	if !strings.HasPrefix(payload.URL, origin.URL()) {
		t.Errorf("URL = %q, want resolved against origin", payload.URL)
	}
}

func TestClient_Fetch_RetriesServerErrors(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	var mu sync.Mutex
	calls := 0
	origin.SetHandler("/flaky", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	c := newTestClient(t, origin)
	payload, err := c.Fetch(context.Background(), "/flaky")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(payload.Data) != "ok" {
		t.Errorf("Data = %q", payload.Data)
	}
	if origin.PathCount("/flaky") != 3 {
		t.Errorf("requests = %d, want 3", origin.PathCount("/flaky"))
	}
}

func TestClient_Fetch_ClientErrorNotRetried(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/missing", testutil.MockResponse{StatusCode: http.StatusNotFound})

	c := newTestClient(t, origin)
	_, err := c.Fetch(context.Background(), "/missing")

	var originErr *OriginError
	if !errors.As(err, &originErr) {
		t.Fatalf("expected OriginError, got %v", err)
	}
	if originErr.StatusCode != http.StatusNotFound || originErr.ErrorClass != ErrorClassClient {
		t.Errorf("OriginError = %+v", originErr)
	}
	if origin.PathCount("/missing") != 1 {
		t.Errorf("requests = %d, want 1", origin.PathCount("/missing"))
	}
}

func TestClient_Fetch_NetworkDown(t *testing.T) {
	origin := testutil.NewMockOrigin()
	c := newTestClient(t, origin)
	origin.Close()

	_, err := c.Fetch(context.Background(), "/anything")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
	if !IsNetwork(err) {
		t.Errorf("expected network class, got %v", err)
	}
}

func TestClient_Fetch_MaxBodyBytes(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/big", testutil.NewAssetResponse(100))

	cfg := DefaultConfig(origin.URL())
	cfg.Retry = fastRetryConfig(1)
	cfg.MaxBodyBytes = 10
	c, _ := New(cfg)

	if _, err := c.Fetch(context.Background(), "/big"); err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestClient_Send(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	var got Delivery
	var idem, owner string
	origin.SetHandler("/api/actions/like_story", func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get(HeaderIdempotencyKey)
		owner = r.Header.Get(HeaderOwnerID)
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	})

	c := newTestClient(t, origin)
	d := Delivery{
		ID:         "act-1",
		OwnerID:    "user-1",
		ActionType: "like_story",
		Payload:    json.RawMessage(`{"story_id":42}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.Send(context.Background(), d); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if idem != "act-1" {
		t.Errorf("Idempotency-Key = %q, want act-1", idem)
	}
	if owner != "user-1" {
		t.Errorf("X-Owner-ID = %q, want user-1", owner)
	}
	if got.ActionType != "like_story" || string(got.Payload) != `{"story_id":42}` {
		t.Errorf("delivered = %+v", got)
	}
}

func TestClient_Send_Rejected(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/api/actions/bad", testutil.NewBadRequestResponse())

	c := newTestClient(t, origin)
	err := c.Send(context.Background(), Delivery{ID: "a", ActionType: "bad"})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestClient_Ping(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	c := newTestClient(t, origin)
	if err := c.Ping(context.Background(), "/health"); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	origin.SetResponse("/health", testutil.NewServerErrorResponse())
	if err := c.Ping(context.Background(), "/health"); err == nil {
		t.Error("Ping should fail on 5xx")
	}
}
