// Package stream implements the Stream Bus: per-run bounded-buffer
// delivery of StreamChunks to subscribers (e.g. a websocket client
// tailing one run's output), plus a best-effort QueueEvent bus for
// lifecycle notifications across all runs.
package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arcflow/agentqueue/run"
)

// chunkBufferSize bounds how many StreamChunks a slow subscriber can
// lag behind before chunks are dropped for it specifically, in favor
// of the visible dropped_chunk marker over blocking the executor.
const chunkBufferSize = 256

// eventBufferSize bounds per-subscriber QueueEvent backlog the same way.
const eventBufferSize = 64

type chunkRegistration struct {
	runID string
	ch    chan run.StreamChunk
}

type eventRegistration struct {
	ch chan run.QueueEvent
}

// Bus fans out StreamChunks (per run_id) and QueueEvents (global) to
// subscribers without ever blocking the publishing goroutine.
type Bus struct {
	mu sync.RWMutex

	chunkSubs map[string]map[chan run.StreamChunk]struct{}
	eventSubs map[chan run.QueueEvent]struct{}

	register   chan chunkRegistration
	unregister chan chunkRegistration

	eventRegister   chan eventRegistration
	eventUnregister chan eventRegistration

	publishChunk chan run.StreamChunk
	publishEvent chan run.QueueEvent

	logger *zap.Logger
	done   chan struct{}
}

// New builds an empty Bus. logger may be nil, in which case all
// logging is discarded. Call Run in its own goroutine to start it.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		chunkSubs:       make(map[string]map[chan run.StreamChunk]struct{}),
		eventSubs:       make(map[chan run.QueueEvent]struct{}),
		register:        make(chan chunkRegistration),
		unregister:      make(chan chunkRegistration),
		eventRegister:   make(chan eventRegistration),
		eventUnregister: make(chan eventRegistration),
		publishChunk:    make(chan run.StreamChunk, 1024),
		publishEvent:    make(chan run.QueueEvent, 1024),
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// Run drives the hub's single-goroutine fan-out loop until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return

		case reg := <-b.register:
			b.mu.Lock()
			if b.chunkSubs[reg.runID] == nil {
				b.chunkSubs[reg.runID] = make(map[chan run.StreamChunk]struct{})
			}
			b.chunkSubs[reg.runID][reg.ch] = struct{}{}
			b.mu.Unlock()

		case reg := <-b.unregister:
			b.mu.Lock()
			if subs, ok := b.chunkSubs[reg.runID]; ok {
				delete(subs, reg.ch)
				close(reg.ch)
				if len(subs) == 0 {
					delete(b.chunkSubs, reg.runID)
				}
			}
			b.mu.Unlock()

		case reg := <-b.eventRegister:
			b.mu.Lock()
			b.eventSubs[reg.ch] = struct{}{}
			b.mu.Unlock()

		case reg := <-b.eventUnregister:
			b.mu.Lock()
			if _, ok := b.eventSubs[reg.ch]; ok {
				delete(b.eventSubs, reg.ch)
				close(reg.ch)
			}
			b.mu.Unlock()

		case chunk := <-b.publishChunk:
			b.deliverChunk(chunk)

		case evt := <-b.publishEvent:
			b.deliverEvent(evt)
		}
	}
}

func (b *Bus) deliverChunk(chunk run.StreamChunk) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.chunkSubs[chunk.RunID] {
		// Only this goroutine sends on ch, and the last buffer slot is
		// kept for a marker, so a send below the threshold never blocks.
		if len(ch) < cap(ch)-1 {
			ch <- chunk
		} else {
			// Subscriber too slow: drop this chunk for it and surface a
			// visible marker rather than blocking the executor goroutine.
			select {
			case ch <- run.StreamChunk{RunID: chunk.RunID, ChunkIndex: chunk.ChunkIndex, Dropped: true, Timestamp: chunk.Timestamp}:
			default:
				b.logger.Warn("stream subscriber backlog full, chunk dropped", zap.String("run_id", chunk.RunID), zap.Int("chunk_index", chunk.ChunkIndex))
			}
		}
	}
}

func (b *Bus) deliverEvent(evt run.QueueEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.eventSubs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("stream event subscriber backlog full, event dropped", zap.String("kind", string(evt.Kind)), zap.String("run_id", evt.RunID))
		}
	}
}

func (b *Bus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.chunkSubs {
		for ch := range subs {
			close(ch)
		}
	}
	b.chunkSubs = make(map[string]map[chan run.StreamChunk]struct{})
	for ch := range b.eventSubs {
		close(ch)
	}
	b.eventSubs = make(map[chan run.QueueEvent]struct{})
}

// PublishChunk enqueues a chunk for fan-out; it never blocks the caller
// beyond the bus's own internal buffer.
func (b *Bus) PublishChunk(chunk run.StreamChunk) {
	select {
	case b.publishChunk <- chunk:
	default:
		b.logger.Warn("stream publish buffer full, chunk dropped", zap.Int("chunk_index", chunk.ChunkIndex), zap.String("run_id", chunk.RunID))
	}
}

// PublishEvent enqueues a lifecycle event for fan-out.
func (b *Bus) PublishEvent(evt run.QueueEvent) {
	select {
	case b.publishEvent <- evt:
	default:
		b.logger.Warn("stream publish buffer full, event dropped", zap.String("kind", string(evt.Kind)), zap.String("run_id", evt.RunID))
	}
}

// SubscribeChunks registers a new chunk subscriber for runID and
// returns the channel to read from plus an unsubscribe func.
func (b *Bus) SubscribeChunks(runID string) (<-chan run.StreamChunk, func()) {
	ch := make(chan run.StreamChunk, chunkBufferSize)
	reg := chunkRegistration{runID: runID, ch: ch}
	b.register <- reg
	return ch, func() {
		defer func() { recover() }()
		b.unregister <- reg
	}
}

// SubscribeEvents registers a new QueueEvent subscriber across all runs.
func (b *Bus) SubscribeEvents() (<-chan run.QueueEvent, func()) {
	ch := make(chan run.QueueEvent, eventBufferSize)
	reg := eventRegistration{ch: ch}
	b.eventRegister <- reg
	return ch, func() {
		defer func() { recover() }()
		b.eventUnregister <- reg
	}
}
