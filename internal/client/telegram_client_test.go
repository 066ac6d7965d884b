package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBotAPI answers sendMessage with the given status and body.
func fakeBotAPI(t *testing.T, status int, body string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastChat atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected method path %q", r.URL.Path)
		}
		b, _ := ioReadAll(r)
		lastChat.Store(string(b))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastChat
}

func newTestTelegram(t *testing.T, url string) *TelegramClient {
	t.Helper()
	c, err := NewTelegramClient(TelegramOptions{Token: "42:test", APIURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewTelegramClient: %v", err)
	}
	return c
}

func TestTelegramClient_Send_Success(t *testing.T) {
	t.Parallel()

	srv, last := fakeBotAPI(t, http.StatusOK,
		`{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":123,"type":"private"},"text":"hi"}}`)

	id, err := newTestTelegram(t, srv.URL).Send(context.Background(), "123", "hi")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "77" {
		t.Fatalf("expected remote id 77, got %q", id)
	}
	if body, _ := last.Load().(string); !strings.Contains(body, "123") {
		t.Fatalf("expected chat id in request, got %q", body)
	}
}

func TestTelegramClient_Send_ClassifiesAPIErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{
			name:      "blocked by user",
			status:    http.StatusForbidden,
			body:      `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			permanent: true,
		},
		{
			name:      "chat not found",
			status:    http.StatusBadRequest,
			body:      `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			permanent: true,
		},
		{
			name:      "unknown forbidden description",
			status:    http.StatusForbidden,
			body:      `{"ok":false,"error_code":403,"description":"Forbidden: something new"}`,
			permanent: true,
		},
		{
			name:      "flood control",
			status:    http.StatusTooManyRequests,
			body:      `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`,
			permanent: false,
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			body:      `{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
			permanent: false,
		},
		{
			name:      "bad token",
			status:    http.StatusUnauthorized,
			body:      `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			permanent: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := fakeBotAPI(t, tc.status, tc.body)
			_, err := newTestTelegram(t, srv.URL).Send(context.Background(), "123", "hi")
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if got := IsPermanent(err); got != tc.permanent {
				t.Fatalf("IsPermanent=%v, want %v (err=%v)", got, tc.permanent, err)
			}
		})
	}
}

func TestTelegramClient_Send_ContextDeadlineIsTransient(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestTelegram(t, srv.URL).Send(ctx, "123", "hi")
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewTelegramClient_RequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramClient(TelegramOptions{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
