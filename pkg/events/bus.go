// Package events carries orchestration events between components over an
// in-memory watermill pub/sub.
package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

// AddHandler registers a consumer; it must be called before Run.
func (b *Bus) AddHandler(name, topic string, handler func(Envelope) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, func(msg *message.Message) error {
		env, err := DecodeEnvelope(msg.Payload)
		if err != nil {
			return err
		}
		return handler(env)
	})
}

func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}

// Running is closed once the router has started its handlers.
func (b *Bus) Running() chan struct{} {
	return b.Router.Running()
}

// Publish wraps payload in an envelope and publishes it. A nil bus drops the
// event so components can run without one.
func (b *Bus) Publish(topic, typ string, payload any) error {
	if b == nil {
		return nil
	}
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	raw, err := env.MarshalJSONBytes()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	return errors.Wrap(b.Publisher.Publish(topic, msg), "publish event")
}
