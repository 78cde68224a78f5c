package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookPostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, time.Second, nil).Notify(context.Background(), "pool low: 3"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got["text"] != "pool low: 3" {
		t.Fatalf("text = %q", got["text"])
	}
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	if err := NewWebhook(srv.URL, time.Second, nil).Notify(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestThrottledSuppressesWithinWindow(t *testing.T) {
	mem := NewMemory()
	th := NewThrottled(mem, time.Hour)
	ctx := context.Background()

	if err := th.Notify(ctx, "a"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := th.Notify(ctx, "b"); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("second = %v, want ErrSuppressed", err)
	}
	th.Reset()
	if err := th.Notify(ctx, "c"); err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if got := mem.Messages(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("messages = %v", got)
	}
}

func TestThrottledZeroIntervalForwardsAll(t *testing.T) {
	mem := NewMemory()
	th := NewThrottled(mem, 0)
	for i := 0; i < 3; i++ {
		if err := th.Notify(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(mem.Messages()); n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}
}

func TestThrottledFailureReopensWindow(t *testing.T) {
	mem := NewMemory()
	mem.Err = errors.New("webhook down")
	th := NewThrottled(mem, time.Hour)
	if err := th.Notify(context.Background(), "a"); err == nil {
		t.Fatal("expected delivery error")
	}
	mem.Err = nil
	if err := th.Notify(context.Background(), "b"); err != nil {
		t.Fatalf("retry after failure suppressed: %v", err)
	}
}
