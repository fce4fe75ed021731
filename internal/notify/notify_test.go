package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPushApproved(t *testing.T) {
	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode push: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"approved": true})
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL)
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	approved, err := wh.Push(context.Background(), "alice@example.com", "approve issuance")
	if err != nil || !approved {
		t.Fatalf("Push: approved=%v err=%v", approved, err)
	}
	if got.User != "alice@example.com" {
		t.Fatalf("unexpected push payload: %+v", got)
	}
}

func TestPushExplicitDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"approved": false})
	}))
	defer srv.Close()

	wh, _ := NewWebhook(srv.URL)
	approved, err := wh.Push(context.Background(), "alice@example.com", "approve issuance")
	if err != nil || approved {
		t.Fatalf("expected clean denial, got approved=%v err=%v", approved, err)
	}
}

func TestPushContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the request so the server sees the client give up;
		// otherwise srv.Close blocks on the half-read connection.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	wh, _ := NewWebhook(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := wh.Push(ctx, "alice@example.com", "approve issuance"); err == nil {
		t.Fatalf("expected error on timeout")
	}
}

func TestPushBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, _ := NewWebhook(srv.URL)
	if _, err := wh.Push(context.Background(), "alice@example.com", "approve issuance"); err == nil {
		t.Fatalf("expected error on bad status")
	}
}
