package stream

import (
	"context"
	"testing"
	"time"

	"github.com/arcflow/agentqueue/run"
)

func TestChunkFanOutToSubscriber(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	ch, unsub := b.SubscribeChunks("run-1")
	defer unsub()

	b.PublishChunk(run.StreamChunk{RunID: "run-1", ChunkIndex: 1, Content: "hello"})

	select {
	case got := <-ch:
		if got.Content != "hello" {
			t.Fatalf("got content %q, want hello", got.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestChunkIsolationBetweenRuns(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	chA, unsubA := b.SubscribeChunks("run-a")
	defer unsubA()
	chB, unsubB := b.SubscribeChunks("run-b")
	defer unsubB()

	b.PublishChunk(run.StreamChunk{RunID: "run-a", ChunkIndex: 1, Content: "only-a"})

	select {
	case got := <-chA:
		if got.Content != "only-a" {
			t.Fatalf("got %q", got.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run-a chunk")
	}

	select {
	case got := <-chB:
		t.Fatalf("run-b subscriber should not receive run-a's chunk, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventFanOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	ch, unsub := b.SubscribeEvents()
	defer unsub()

	b.PublishEvent(run.QueueEvent{Kind: run.EventStarted, RunID: "run-1", AgentName: "a"})

	select {
	case got := <-ch:
		if got.Kind != run.EventStarted {
			t.Fatalf("got kind %v, want started", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
