// Package memory provides an in-memory record-notification publisher. It is a
// test fake for the output sink and the app wiring; runs publish through
// internal/publisher/pubsub.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// PublishedMessage captures one record notification.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every notification in order so tests can inspect them.
type Publisher struct {
	mu       sync.Mutex
	messages []PublishedMessage
	perTopic map[string]int
	err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{perTopic: make(map[string]int)}
}

// FailWith makes every later Publish return err without recording anything.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the notification and returns an ID of the form
// <topic>-<n>, numbered per topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.perTopic[topic]++
	id := fmt.Sprintf("%s-%d", topic, p.perTopic[topic])
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of every notification in publish order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedMessage(nil), p.messages...)
}

// RecordURLs returns the sorted "url" field of every map payload published to
// topic.
func (p *Publisher) RecordURLs(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var urls []string
	for _, msg := range p.messages {
		if msg.Topic != topic {
			continue
		}
		if fields, ok := msg.Payload.(map[string]any); ok {
			if u, ok := fields["url"].(string); ok {
				urls = append(urls, u)
			}
		}
	}
	sort.Strings(urls)
	return urls
}

var _ crawler.Publisher = (*Publisher)(nil)
