package db

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"

	"dismissal-server-go/models"
)

// StatusChannel is the pub/sub channel carrying status row changes.
const StatusChannel = "daily_status"

// Notifier hands out independent subscriptions to the status channel, one
// per observer session.
type Notifier struct {
	Client *redis.Client
}

// NewNotifier creates a Notifier on client.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{Client: client}
}

// subscription is one live subscription to the status channel.
type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts delivering change events to onEvent. onSubscribed runs
// each time the channel becomes live: once after the initial SUBSCRIBE is
// confirmed and again after every reconnect, since events published while
// disconnected are lost. Both callbacks run on the subscription's own
// goroutine, in delivery order.
func (n *Notifier) Subscribe(ctx context.Context, onEvent func(models.ChangeEvent), onSubscribed func()) (models.Subscription, error) {
	ps := n.Client.Subscribe(ctx, StatusChannel)
	sub := &subscription{pubsub: ps, done: make(chan struct{})}

	// ChannelWithSubscriptions surfaces *redis.Subscription confirmations,
	// which is how reconnects become visible.
	ch := ps.ChannelWithSubscriptions(ctx, 256)
	go func() {
		defer close(sub.done)
		for msg := range ch {
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" && onSubscribed != nil {
					log.Printf("[notifier] subscribed to %s", m.Channel)
					onSubscribed()
				}
			case *redis.Message:
				var ev models.ChangeEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Printf("[notifier] dropping malformed payload on %s: %v", m.Channel, err)
					continue
				}
				if ev.Record() == nil {
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return sub, nil
}

// Unsubscribe closes the subscription and waits for its delivery goroutine
// to exit. It is safe to call more than once.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
