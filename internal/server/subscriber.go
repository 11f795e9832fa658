package server

import (
	"context"
	"time"

	"github.com/musicr/musicr/internal/bus"
	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/pkg/protocol"
)

// NewBusHandler wires remote instances' events into the local fan-out.
// Chat payloads are the exact envelope the origin broadcast, so they pass
// through byte for byte and message IDs stay stable fleet-wide. Presence
// events are reshaped into client envelopes here; the shared registry
// already holds the roster state itself.
func NewBusHandler(hub *Hub) bus.Handler {
	return bus.Handler{
		OnChat: func(ev protocol.ChatEvent) {
			hub.Broadcast(ev.Room, ev.Payload)
		},
		OnPresence: func(ev protocol.PresenceEvent) {
			var env any
			switch ev.Kind {
			case protocol.KindJoined:
				env = protocol.UserJoined{
					Type:     protocol.TypeUserJoined,
					Room:     ev.Room,
					UserID:   ev.UserID,
					Handle:   ev.Handle,
					JoinedAt: time.UnixMilli(ev.TS).UTC().Format(time.RFC3339Nano),
				}
			case protocol.KindLeft:
				env = protocol.UserLeft{
					Type:   protocol.TypeUserLeft,
					Room:   ev.Room,
					UserID: ev.UserID,
				}
			default:
				return
			}
			if data, err := protocol.Marshal(env); err == nil {
				hub.Broadcast(ev.Room, data)
			}
		},
	}
}

// EvictionAnnouncer returns the callback the presence maintenance loop uses
// to turn swept entries into departures. Sweeps race on the delete, so
// exactly one instance in the fleet announces each eviction.
func EvictionAnnouncer(hub *Hub, b bus.Bus, instanceID string) func(domain.PresenceEntry) {
	return func(entry domain.PresenceEntry) {
		env := protocol.UserLeft{Type: protocol.TypeUserLeft, Room: entry.Room, UserID: entry.UserID}
		data, err := protocol.Marshal(env)
		if err != nil {
			return
		}
		hub.Broadcast(entry.Room, data)
		b.PublishPresence(context.Background(), protocol.PresenceEvent{
			Kind:       protocol.KindLeft,
			Room:       entry.Room,
			UserID:     entry.UserID,
			InstanceID: instanceID,
			TS:         protocol.NowMillis(),
		})
	}
}
