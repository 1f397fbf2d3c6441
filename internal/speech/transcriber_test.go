package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTranscriber_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["audio"] != "b64audio" {
			t.Errorf("audio = %v", body["audio"])
		}
		fmt.Fprint(w, `{"text":"hello from voice"}`)
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, 5*time.Second)
	got, err := tr.Transcribe(context.Background(), "b64audio", 1.5)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "hello from voice" {
		t.Fatalf("text = %q", got)
	}
}

func TestHTTPTranscriber_EmptyResultIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"text":"   "}`)
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, 5*time.Second)
	if _, err := tr.Transcribe(context.Background(), "b64audio", 1.5); err == nil {
		t.Fatal("expected error for blank transcription")
	}
}

func TestHTTPTranscriber_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, 5*time.Second)
	if _, err := tr.Transcribe(context.Background(), "b64audio", 1.5); err == nil {
		t.Fatal("expected error for 502")
	}
}
