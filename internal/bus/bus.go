// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package bus carries session lifecycle events from the tracker to the rule
// engine over an in-process Watermill Pub/Sub. Decoupling the two through a
// bus keeps poll cycles fast: evaluation latency never delays reconciliation.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/tracker"
)

// TopicSessionEvents carries tracker.Event payloads.
const TopicSessionEvents = "sessions.events"

// Bus owns the in-process Pub/Sub. Both the publisher side (tracker) and the
// subscriber side (engine router) hang off one Bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// New builds the Bus with a bounded per-subscriber buffer so a slow engine
// back-pressures the publisher instead of growing without limit.
func New() *Bus {
	logger := newLoggerAdapter()
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
		logger: logger,
	}
}

// Publish implements tracker.EventSink.
func (b *Bus) Publish(_ context.Context, ev tracker.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", string(ev.Type))
	msg.Metadata.Set("session_id", ev.Session.ID)

	if err := b.pubsub.Publish(TopicSessionEvents, msg); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// Subscribe returns the raw subscription for the session event topic.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicSessionEvents)
}

// Close shuts the Pub/Sub down, releasing all subscribers.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// DecodeEvent unmarshals a bus message back into a tracker event.
func DecodeEvent(msg *message.Message) (tracker.Event, error) {
	var ev tracker.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return tracker.Event{}, fmt.Errorf("decode session event: %w", err)
	}
	return ev, nil
}
