// Package presence broadcasts online/offline transitions to every connected
// client and delegates the durable side effects (online flag, last-seen
// timestamp) to the user profile store.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/linkup/social-chat/internal/messaging"
	"github.com/linkup/social-chat/internal/metrics"
	"github.com/linkup/social-chat/internal/protocol"
)

// Broadcaster pushes a frame to every connected client. Satisfied by
// *ws.ConnectionManager.
type Broadcaster interface {
	Broadcast(data []byte)
}

// StatusStore records presence transitions durably. Satisfied by
// *users.Store; a nil store disables the delegation.
type StatusStore interface {
	SetPresence(ctx context.Context, identity string, online bool) error
}

// Publisher fans presence transitions out to connected clients, the profile
// store, and (when configured) the NATS event firehose.
type Publisher struct {
	conns    Broadcaster
	profiles StatusStore
	bus      *messaging.Bus
}

// New creates a Publisher. profiles and bus may be nil.
func New(conns Broadcaster, profiles StatusStore, bus *messaging.Bus) *Publisher {
	return &Publisher{conns: conns, profiles: profiles, bus: bus}
}

// UserOnline announces that identity gained a live channel.
func (p *Publisher) UserOnline(identity string) {
	metrics.OnlineUsers.Inc()
	p.publish(identity, protocol.StatusOnline)
}

// UserOffline announces that identity lost its channel. The profile store
// update doubles as the last-seen timestamp write.
func (p *Publisher) UserOffline(identity string) {
	metrics.OnlineUsers.Dec()
	p.publish(identity, protocol.StatusOffline)
}

func (p *Publisher) publish(identity, status string) {
	data, err := protocol.NewServerMessage(protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
		UserID: identity,
		Status: status,
	})
	if err != nil {
		log.Printf("presence: failed to build status event for user=%s: %v", identity, err)
		return
	}

	p.conns.Broadcast(data)

	if p.profiles != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := p.profiles.SetPresence(ctx, identity, status == protocol.StatusOnline); err != nil {
			log.Printf("presence: profile update failed user=%s: %v", identity, err)
		}
		cancel()
	}

	if p.bus != nil {
		event, _ := json.Marshal(struct {
			UserID string `json:"user_id"`
			Status string `json:"status"`
			Ts     int64  `json:"ts"`
		}{identity, status, time.Now().UnixMilli()})
		p.bus.PublishPresenceEvent(event)
	}

	log.Printf("presence: user=%s status=%s", identity, status)
}
