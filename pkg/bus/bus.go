// Package bus implements the organization-scoped notification fan-out used
// to announce verification-code wait state changes to external listeners.
//
// Two interchangeable implementations sit behind the Bus contract: LocalBus
// fans out within one process, SocketBus bridges a websocket broker so
// listeners in other processes see the same events.
package bus

import "github.com/entrhq/waypoint/pkg/types"

// subscriberBuffer is the per-subscriber channel depth. A slow subscriber
// drops events rather than blocking the publisher.
const subscriberBuffer = 16

// Bus is the publish/subscribe contract. Keys are organization IDs; every
// active subscriber of a key receives every event published to that key, in
// publish order. No ordering is guaranteed across keys.
type Bus interface {
	// Subscribe registers a new subscriber for key and returns its channel.
	Subscribe(key string) <-chan types.Event

	// Unsubscribe removes a channel previously returned by Subscribe and
	// closes it. Unknown channels are ignored.
	Unsubscribe(key string, ch <-chan types.Event)

	// Publish fans evt out to every subscriber of key. Publish never
	// fails from the caller's perspective; delivery errors are logged.
	Publish(key string, evt types.Event)
}
