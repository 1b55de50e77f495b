package eventbus

import (
	"context"
	"encoding/json"

	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/pkg/pgnotify"
)

// notifyChannel is the pg_notify channel every mirrored mutation event is
// published on. Out-of-process observers (an HTTP/UI layer, which is out of
// this core's scope) LISTEN on it to tail the same mutation stream the
// in-process subscribers see, without the core taking on any cross-process
// delivery guarantee: mirroring is best-effort, and its failures are logged
// rather than returned. The pg_notify call runs inline as a bus listener, so
// Publish waits for it.
const notifyChannel = "nxus_mutations"

// Bridge mirrors every published Event onto a pgnotify channel. It is purely
// additive: the bus's synchronous, in-process delivery to Listeners (§4.5)
// is unaffected whether or not a Bridge is attached, and a failure to mirror
// an event is logged, never returned to the publisher.
type Bridge struct {
	bus *pgnotify.Bus
	log *logger.Logger
	sub *Subscription
}

// NewBridge attaches a mirror to b that republishes every event through pg.
// Call Close to detach.
func NewBridge(b *Bus, pg *pgnotify.Bus, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.NewDefault("eventbus.bridge")
	}
	br := &Bridge{bus: pg, log: log}
	br.sub = b.Subscribe(Filter{}, br.mirror)
	return br
}

func (br *Bridge) mirror(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		br.log.WithError(err).Error("failed to marshal mutation event for pgnotify mirror")
		return
	}
	if err := br.bus.Publish(context.Background(), notifyChannel, json.RawMessage(payload)); err != nil {
		br.log.WithError(err).Error("failed to mirror mutation event to pgnotify")
	}
}

// Close detaches the mirror from the bus. It does not close the underlying
// pgnotify.Bus, which the caller owns.
func (br *Bridge) Close() {
	br.sub.Unsubscribe()
}
