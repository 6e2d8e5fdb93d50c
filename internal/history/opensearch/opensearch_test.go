package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/ports"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL, receivedMethod, receivedType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index")
	event := history.Event{
		Type:       history.EventRestart,
		OccurredAt: time.Now().UTC(),
		Ports:      ports.ServerPorts{CDP: 9000, Proxy: 9100, Backend: 9201, Extension: 9300},
		Detail:     "health",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/test-index/_doc" {
		t.Errorf("Expected URL /test-index/_doc, got: %s", receivedURL)
	}
	if receivedType != "application/json" {
		t.Errorf("Expected JSON content type, got: %s", receivedType)
	}
	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if doc["type"] != "restart" || doc["detail"] != "health" {
		t.Errorf("unexpected document: %v", doc)
	}
	if p, ok := doc["ports"].(map[string]any); !ok || p["backend"] != float64(9201) {
		t.Errorf("unexpected ports: %v", doc["ports"])
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	if err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventLaunched}); err == nil {
		t.Fatal("Expected error for 400 response")
	}
}

func TestOpenSearchSink_DefaultIndex(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	if err := New(server.URL, "").Send(context.Background(), history.Event{Type: history.EventLaunched}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/sidecar-history/_doc" {
		t.Errorf("unexpected default index path %s", path)
	}
}

func TestOpenSearchSink_Recent(t *testing.T) {
	var query map[string]any
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&query)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_source":{"type":"launched","pid":12,"ports":{"backend":9201}}},
			{"_source":{"type":"exited","pid":11,"exit_code":2}}]}}`))
	}))
	defer server.Close()

	events, err := New(server.URL, "idx").Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if path != "/idx/_search" {
		t.Errorf("unexpected path %s", path)
	}
	if query["size"] != float64(5) {
		t.Errorf("unexpected size in query: %v", query)
	}
	if len(events) != 2 || events[0].PID != 12 || events[0].Ports.Backend != 9201 || events[1].ExitCode != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestOpenSearchSink_RecentMissingIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	events, err := New(server.URL, "idx").Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("missing index should not fail: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

var _ history.Lister = (*Sink)(nil)
