package notifications

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(Event{
		UserID:          "user-1",
		Type:            EventNotificationCreated,
		NotificationIDs: []string{"notification-a"},
		Timestamp:       time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != EventNotificationCreated {
			t.Fatalf("expected event type %s, got %s", EventNotificationCreated, received.Type)
		}
		if len(received.NotificationIDs) != 1 {
			t.Fatalf("expected 1 notification id, got %d", len(received.NotificationIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(Event{UserID: "user-3", Type: EventNotificationsRead, Timestamp: time.Now().UTC()})

	select {
	case <-userStream:
		t.Fatal("did not expect event for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", event.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed user")
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()
	if dispatcher.SubscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}
