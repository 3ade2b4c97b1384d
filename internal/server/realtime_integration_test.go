package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type sseEvent struct {
	eventType string
	data      string
}

func readSSEEvents(t *testing.T, reader *bufio.Reader) <-chan sseEvent {
	t.Helper()
	events := make(chan sseEvent, 8)
	go func() {
		defer close(events)
		currentEventType := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				events <- sseEvent{
					eventType: currentEventType,
					data:      strings.TrimSpace(strings.TrimPrefix(line, "data:")),
				}
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent, eventType string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case event, open := <-events:
			if !open {
				t.Fatalf("stream closed before %s event", eventType)
			}
			if event.eventType == eventType {
				return event
			}
		}
	}
}

func TestRealtimeStreamEmitsDoseChangeEvents(t *testing.T) {
	harness := newTestHarness(t, testHarnessConfig{})
	server := httptest.NewServer(harness.handler)
	t.Cleanup(server.Close)

	streamURL := server.URL + "/api/doses/stream?sso=" + testSSOPayloadQuery() + "&sig=" + harness.verifier.Sign(testSSOPayload)
	streamResp, err := http.Get(streamURL)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", contentType)
	}

	events := readSSEEvents(t, bufio.NewReader(streamResp.Body))
	nextEvent(t, events, realtimeEventHeartbeat)

	createReq := harness.signedRequest(http.MethodPost, server.URL+"/api/doses",
		strings.NewReader(`{"peptide":"BPC-157","dose":"250","date":"2025-03-02"}`))
	createReq.RequestURI = ""
	createResp, err := http.DefaultClient.Do(createReq)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	var created dosePayload
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	_ = createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected create status: %d", createResp.StatusCode)
	}

	event := nextEvent(t, events, RealtimeEventDoseChanged)
	var payload realtimeEventPayload
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if len(payload.DoseIDs) != 1 || payload.DoseIDs[0] != created.ID {
		t.Fatalf("unexpected dose identifiers: %#v", payload.DoseIDs)
	}
	if payload.Source != realtimeSourceBackend {
		t.Fatalf("unexpected event source: %q", payload.Source)
	}
}

func TestRealtimeStreamRequiresCredentials(t *testing.T) {
	harness := newTestHarness(t, testHarnessConfig{})

	recorder := harness.do(t, httptest.NewRequest(http.MethodGet, "/api/doses/stream", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}
