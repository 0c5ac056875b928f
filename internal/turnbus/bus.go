// Package turnbus decouples turn capture from log delivery. Emit publishes
// onto an in-process pub/sub and returns at once; a consumer forwards each
// turn to the downstream sink so storage latency never reaches the capture path.
package turnbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chatlog/internal/record"
	"chatlog/internal/turn"
)

const topicTurns = "turns"

type Bus struct {
	pubsub *gochannel.GoChannel
	next   turn.Sink

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// New builds a bus that delivers to next. buffer bounds how many turns may wait
// for delivery before Emit starts to block.
func New(next turn.Sink, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(buffer)}, watermill.NopLogger{}),
		next:   next,
		done:   make(chan struct{}),
	}
}

// Start subscribes the delivery loop. It returns once the subscription exists;
// delivery stops when ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("turn bus already started")
	}
	ch, err := b.pubsub.Subscribe(ctx, topicTurns)
	if err != nil {
		return errors.Wrap(err, "subscribe turns")
	}
	b.started = true
	go b.consume(ctx, ch)
	return nil
}

func (b *Bus) consume(ctx context.Context, ch <-chan *message.Message) {
	defer close(b.done)
	for msg := range ch {
		var t record.Turn
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			log.Warn().Err(err).Str("component", "turnbus").Msg("drop undecodable turn")
			msg.Ack()
			continue
		}
		// delivery is best effort: log, never retry
		if err := b.next.Emit(ctx, t); err != nil {
			log.Warn().Err(err).Str("component", "turnbus").Str("id", t.ID).Msg("turn delivery failed")
		}
		msg.Ack()
	}
}

// Emit implements turn.Sink.
func (b *Bus) Emit(_ context.Context, t record.Turn) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "marshal turn")
	}
	return b.pubsub.Publish(topicTurns, message.NewMessage(watermill.NewUUID(), payload))
}

// Close stops the pub/sub and waits for the consumer loop to exit.
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}
	return errors.Wrap(err, "close turn bus")
}
