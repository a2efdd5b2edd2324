package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
)

type streamEvent struct {
	name string
	data string
}

func readStreamEvents(ctx context.Context, reader *bufio.Reader) <-chan streamEvent {
	events := make(chan streamEvent)
	go func() {
		defer close(events)
		current := streamEvent{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && current.name != "":
				select {
				case events <- current:
				case <-ctx.Done():
					return
				}
				current = streamEvent{}
			}
		}
	}()
	return events
}

func TestNotificationStreamDeliversUserEvents(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/api/notifications/stream", http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+customerToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	events := readStreamEvents(ctx, bufio.NewReader(response.Body))
	deadline := time.After(5 * time.Second)

	next := func() streamEvent {
		t.Helper()
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed early")
			}
			return event
		case <-deadline:
			t.Fatalf("timed out waiting for stream event")
		}
		return streamEvent{}
	}

	if first := next(); first.name != streamEventConnected {
		t.Fatalf("expected connected event first, got %+v", first)
	}

	dispatcher := server.notifications.Dispatcher()
	dispatcher.Publish(notifications.Event{UserID: "user_other", Type: notifications.EventNotificationCreated, NotificationIDs: []string{"n-foreign"}})
	dispatcher.Publish(notifications.Event{UserID: "user_1", Type: notifications.EventNotificationCreated, NotificationIDs: []string{"n-1"}, Title: "Order shipped"})

	sawHeartbeat := false
	for {
		event := next()
		if event.name == streamEventHeartbeat {
			sawHeartbeat = true
			continue
		}
		if event.name != notifications.EventNotificationCreated {
			t.Fatalf("unexpected event %+v", event)
		}
		var payload notifications.Event
		if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
			t.Fatalf("decode event %q: %v", event.data, err)
		}
		if len(payload.NotificationIDs) != 1 || payload.NotificationIDs[0] != "n-1" || payload.Title != "Order shipped" {
			t.Fatalf("unexpected payload %+v", payload)
		}
		break
	}

	for !sawHeartbeat {
		if event := next(); event.name == streamEventHeartbeat {
			sawHeartbeat = true
		}
	}
}
