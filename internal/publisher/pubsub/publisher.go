// Package pubsub implements the Completion Notifier's Google Cloud Pub/Sub
// publisher, used to announce task lifecycle transitions to subscribers
// outside the crawl service.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher wraps a single Pub/Sub topic. The topic argument to Publish is
// ignored: a Publisher is bound to one topic at construction time, matching
// how the Completion Notifier fans lifecycle events to a fixed destination.
type Publisher struct {
	topic *pubsub.Topic
}

// New builds a Publisher bound to topic. Callers own the topic's lifecycle
// and should call topic.Stop() on shutdown.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals payload to JSON and publishes it, blocking until the
// broker acknowledges or ctx is done.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
