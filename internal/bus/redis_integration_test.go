package bus_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/showrunnerhq/backlot/internal/bus"
)

func startRedis(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBusDeliversCompletionEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := startRedis(t, ctx)

	b := bus.NewRedis(client, "test-orchestrator", "test-1", log.New(io.Discard, "", 0))

	received := make(chan bus.CompletionEvent, 1)
	cancel, err := b.Subscribe(ctx, bus.TopicJobCompleted, func(_ context.Context, ev bus.CompletionEvent) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	want := bus.CompletionEvent{
		WorkflowID: "wf-1",
		StepID:     "extract",
		JobID:      "job-1",
		Success:    true,
		Result:     map[string]interface{}{"entities": float64(4)},
		OccurredAt: time.Now().UTC(),
	}
	if err := b.Publish(ctx, bus.TopicJobCompleted, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.WorkflowID != want.WorkflowID || got.StepID != want.StepID || !got.Success {
			t.Fatalf("event = %+v", got)
		}
		if got.Result["entities"] != float64(4) {
			t.Fatalf("result = %+v", got.Result)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}
