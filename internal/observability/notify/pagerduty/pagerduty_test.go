package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/target/placement-fulfillment/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.TaskFailurePayload{
		TaskID:     "123",
		TaskName:   "fulfill_order",
		OrderID:    "order-7",
		Error:      "boom",
		ErrorClass: "err_class",
		Metadata:   map[string]string{"task_id": "ignored", "worker": "w-1"},
	})

	section, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if section["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", section["severity"])
	}
	if section["source"] != "placement-fulfillment" {
		t.Fatalf("expected default source, got %v", section["source"])
	}

	custom, ok := section["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}
	for _, key := range []string{"task_id", "task_name", "order_id", "error", "error_class", "worker"} {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}
	if custom["task_id"] != "123" {
		t.Fatalf("metadata must not override task_id, got %v", custom["task_id"])
	}
	if event["dedup_key"] != "fulfill_order:order-7" {
		t.Fatalf("unexpected dedup key %v", event["dedup_key"])
	}
}

func TestSendTaskFailurePostsEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "rk", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendTaskFailure(context.Background(), notify.TaskFailurePayload{TaskID: "t-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["routing_key"] != "rk" || got["event_action"] != "trigger" {
		t.Fatalf("unexpected event %v", got)
	}
}

func TestSendTaskFailureReportsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid routing key", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "rk", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendTaskFailure(context.Background(), notify.TaskFailurePayload{}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
