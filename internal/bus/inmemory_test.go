package bus

import (
	"context"
	"testing"
)

func TestInMemoryPublishReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory()

	var got []CompletionEvent
	cancel, err := b.Subscribe(ctx, TopicJobCompleted, func(_ context.Context, ev CompletionEvent) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, TopicJobCompleted, CompletionEvent{JobID: "j-1", Success: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "j-1" {
		t.Fatalf("expected one delivered event, got %+v", got)
	}

	// other topics must not reach this subscriber
	if err := b.Publish(ctx, "events.other", CompletionEvent{JobID: "j-2"}); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected no delivery for other topic, got %d events", len(got))
	}

	cancel()
	if err := b.Publish(ctx, TopicJobCompleted, CompletionEvent{JobID: "j-3"}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
	if len(got) != 1 {
		t.Fatal("expected no delivery after cancel")
	}
}
