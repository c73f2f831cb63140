// Package messaging provides the NATS fanout bus that links server
// instances. Envelopes delivered on one instance are republished on NATS so
// peers can push them to their own local connections; each event carries its
// origin instance so publishers skip their own traffic.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used between server instances.
const (
	// SubjectBroadcast carries public and group chat envelopes destined for
	// every connection on every instance.
	SubjectBroadcast = "chat.broadcast"

	// SubjectDirect carries private envelopes: chat.direct.<userID>.
	// Instances subscribe to the wildcard and deliver when the target is
	// bound locally.
	SubjectDirect         = "chat.direct"
	subjectDirectWildcard = SubjectDirect + ".*"

	// SubjectDelete carries expiry deletion notices for global broadcast.
	SubjectDelete = "chat.delete"
)

// Event is the payload published on every chat subject.
type Event struct {
	Origin  string          `json:"origin"`  // instance that first routed the envelope
	Payload json.RawMessage `json:"payload"` // the client-facing envelope bytes
}

// Bus wraps the NATS connection with typed publish/subscribe helpers.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "neurochat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Connect establishes the NATS connection with reconnect handling and
// returns a ready Bus. The initial connection failing is an error; later
// disconnects are retried forever (with MaxReconnects = -1).
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Bus{conn: nc}, nil
}

// PublishBroadcast republishes a public/group envelope for peer instances.
func (b *Bus) PublishBroadcast(origin string, payload []byte) error {
	return b.publish(SubjectBroadcast, origin, payload)
}

// PublishDirect republishes a private envelope addressed to userID.
func (b *Bus) PublishDirect(origin, userID string, payload []byte) error {
	return b.publish(SubjectDirect+"."+userID, origin, payload)
}

// PublishDelete republishes a deletion notice for global broadcast.
func (b *Bus) PublishDelete(origin string, payload []byte) error {
	return b.publish(SubjectDelete, origin, payload)
}

func (b *Bus) publish(subject, origin string, payload []byte) error {
	data, err := json.Marshal(Event{Origin: origin, Payload: payload})
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeBroadcast registers a handler for public/group envelopes from
// peer instances.
func (b *Bus) SubscribeBroadcast(handler func(ev Event)) error {
	return b.subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		ev, ok := decodeEvent(msg)
		if !ok {
			return
		}
		handler(ev)
	})
}

// SubscribeDirect registers a handler for private envelopes. The handler
// receives the target user id extracted from the subject.
func (b *Bus) SubscribeDirect(handler func(userID string, ev Event)) error {
	return b.subscribe(subjectDirectWildcard, func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, SubjectDirect+".")
		if userID == "" || userID == msg.Subject {
			return
		}
		ev, ok := decodeEvent(msg)
		if !ok {
			return
		}
		handler(userID, ev)
	})
}

// SubscribeDelete registers a handler for deletion notices from peers.
func (b *Bus) SubscribeDelete(handler func(ev Event)) error {
	return b.subscribe(SubjectDelete, func(msg *nats.Msg) {
		ev, ok := decodeEvent(msg)
		if !ok {
			return
		}
		handler(ev)
	})
}

func (b *Bus) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func decodeEvent(msg *nats.Msg) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[nats] dropping malformed event on %s: %v", msg.Subject, err)
		return Event{}, false
	}
	return ev, true
}

// Close drains subscriptions and closes the connection. Drain lets in-flight
// handlers finish before the connection drops.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] drain error: %v", err)
		b.conn.Close()
	}
}
