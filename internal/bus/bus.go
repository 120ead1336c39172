// Package bus connects the tracker to a Redis pub/sub message bus. Every
// channel is namespaced as worldmodel:{namespace}:{name}.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/worldmodel/internal/ingest"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/redis/go-redis/v9"
)

// Outbound channel names.
const (
	ObjectsChannelName = "objects"
	ObjectChannelName  = "object"
)

// Channel returns the namespaced channel for name.
func Channel(namespace, name string) string {
	return fmt.Sprintf("worldmodel:%s:%s", namespace, name)
}

// Client is a namespaced Redis connection. It is safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a client for namespace.
func NewClient(opts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, errors.New("namespace cannot be empty")
	}
	return &Client{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Channel returns the client's channel for name.
func (c *Client) Channel(name string) string {
	return Channel(c.namespace, name)
}

// PublishJSON marshals v and publishes it on the named channel.
func (c *Client) PublishJSON(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", name, err)
	}
	if err := c.rdb.Publish(ctx, c.Channel(name), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", c.Channel(name), err)
	}
	return nil
}

// Publisher implements worldmodel.Publisher on the objects and object
// channels.
type Publisher struct {
	client *Client
}

func NewPublisher(c *Client) *Publisher {
	return &Publisher{client: c}
}

func (p *Publisher) PublishObject(ctx context.Context, obj worldmodel.Object) {
	if err := p.client.PublishJSON(ctx, ObjectChannelName, obj); err != nil {
		monitoring.Logf("[Bus] %v", err)
	}
}

func (p *Publisher) PublishModel(ctx context.Context, objects []worldmodel.Object) {
	if objects == nil {
		objects = []worldmodel.Object{}
	}
	if err := p.client.PublishJSON(ctx, ObjectsChannelName, objects); err != nil {
		monitoring.Logf("[Bus] %v", err)
	}
}

// Subscriber feeds inbound channels to a dispatcher.
type Subscriber struct {
	client     *Client
	dispatcher *ingest.Dispatcher
}

func NewSubscriber(c *Client, d *ingest.Dispatcher) *Subscriber {
	return &Subscriber{client: c, dispatcher: d}
}

// Run subscribes to every inbound channel and dispatches messages in
// arrival order until ctx is cancelled. ready, if not nil, is closed once
// the subscription is confirmed.
func (s *Subscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	byChannel := make(map[string]ingest.Kind, len(ingest.Kinds))
	channels := make([]string, 0, len(ingest.Kinds))
	for _, k := range ingest.Kinds {
		ch := s.client.Channel(string(k))
		byChannel[ch] = k
		channels = append(channels, ch)
	}

	pubsub := s.client.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Wait for every subscription confirmation so nothing published after
	// Run reports ready is missed.
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	monitoring.Logf("[Bus] Subscribed to %d channels in namespace %s", len(channels), s.client.namespace)
	if ready != nil {
		close(ready)
	}

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription closed")
			}
			kind, known := byChannel[msg.Channel]
			if !known {
				continue
			}
			_ = s.dispatcher.Handle(ctx, kind, []byte(msg.Payload))
		}
	}
}
