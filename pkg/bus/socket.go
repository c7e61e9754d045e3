package bus

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/types"
)

// frame is the wire format exchanged with the broker.
type frame struct {
	Key   string      `json:"key"`
	Event types.Event `json:"event"`
}

// listener is the per-key broker subscription. One listener goroutine runs
// per key while that key has local subscribers; the goroutine starts on the
// 0->1 subscriber transition and is canceled on the 1->0 transition.
type listener struct {
	cancel context.CancelFunc
	refs   int
}

// SocketBus is the distributed Bus implementation. It keeps the same local
// fan-out as LocalBus and additionally bridges a websocket broker: events
// published anywhere are decoded from per-key broker channels and fanned out
// to local subscribers. Publish is fire-and-forget.
type SocketBus struct {
	brokerURL string
	local     *LocalBus
	log       *logging.Logger

	mu        sync.Mutex
	listeners map[string]*listener

	pubMu   sync.Mutex
	pubConn *websocket.Conn
}

// NewSocketBus creates a bus bridged to the websocket broker at brokerURL
// (e.g. "ws://broker:9090/events").
func NewSocketBus(brokerURL string) *SocketBus {
	log, _ := logging.NewLogger("bus")
	return &SocketBus{
		brokerURL: brokerURL,
		local:     NewLocalBus(),
		log:       log,
		listeners: make(map[string]*listener),
	}
}

// Subscribe registers a local subscriber for key, starting the broker
// listener for that key if this is its first subscriber.
func (b *SocketBus) Subscribe(key string) <-chan types.Event {
	ch := b.local.Subscribe(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.listeners[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		l = &listener{cancel: cancel}
		b.listeners[key] = l
		go b.listen(ctx, key)
	}
	l.refs++

	return ch
}

// Unsubscribe removes a local subscriber for key, canceling the broker
// listener when the last subscriber for that key is gone.
func (b *SocketBus) Unsubscribe(key string, ch <-chan types.Event) {
	b.local.Unsubscribe(key, ch)

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.listeners[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		l.cancel()
		delete(b.listeners, key)
	}
}

// Publish sends evt to the broker for fan-out to every process subscribed
// to key, including this one. Errors are logged, never surfaced.
func (b *SocketBus) Publish(key string, evt types.Event) {
	data, err := json.Marshal(frame{Key: key, Event: evt})
	if err != nil {
		b.log.Errorf("failed to encode event for key %s: %v", key, err)
		return
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	conn, err := b.publisherConn()
	if err != nil {
		b.log.Errorf("failed to reach broker: %v", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		b.log.Warnf("publish to key %s failed, retrying on a fresh connection: %v", key, err)
		conn.Close()
		b.pubConn = nil

		conn, err = b.publisherConn()
		if err != nil {
			b.log.Errorf("failed to reach broker: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.log.Errorf("publish to key %s failed: %v", key, err)
			conn.Close()
			b.pubConn = nil
		}
	}
}

// publisherConn returns the shared publish connection, dialing on demand.
// Callers must hold pubMu.
func (b *SocketBus) publisherConn() (*websocket.Conn, error) {
	if b.pubConn != nil {
		return b.pubConn, nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(b.publishURL(), nil)
	if err != nil {
		return nil, err
	}
	b.pubConn = conn
	return conn, nil
}

func (b *SocketBus) publishURL() string {
	return b.brokerURL + "?mode=publish"
}

func (b *SocketBus) listenURL(key string) string {
	return b.brokerURL + "?mode=listen&key=" + url.QueryEscape(key)
}

// listen runs the per-key broker subscription until canceled, decoding
// incoming frames and fanning them out to local subscribers of the key.
func (b *SocketBus) listen(ctx context.Context, key string) {
	conn, _, err := websocket.DefaultDialer.Dial(b.listenURL(key), nil)
	if err != nil {
		b.log.Errorf("failed to subscribe key %s at broker: %v", key, err)
		return
	}
	defer conn.Close()

	// Unblock the read loop when the last local subscriber is gone.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warnf("broker listener for key %s closed: %v", key, err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.log.Warnf("dropping malformed broker frame for key %s: %v", key, err)
			continue
		}
		if f.Key != key {
			continue
		}
		b.local.Publish(key, f.Event)
	}
}

// ListenerCount returns the number of active broker listeners. Used to
// verify the reference-counted lifecycle.
func (b *SocketBus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Close tears down the publish connection and every listener.
func (b *SocketBus) Close() {
	b.mu.Lock()
	for key, l := range b.listeners {
		l.cancel()
		delete(b.listeners, key)
	}
	b.mu.Unlock()

	b.pubMu.Lock()
	if b.pubConn != nil {
		b.pubConn.Close()
		b.pubConn = nil
	}
	b.pubMu.Unlock()
}
