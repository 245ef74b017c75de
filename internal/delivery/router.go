// Package delivery implements the message delivery router: on send it
// persists the message to the log, pushes it to the recipient's channel when
// one is bound, and always acknowledges the sender. It also relays read
// receipts and typing indicators through the same identity -> channel lookup.
//
// Pushes are fire-and-forget. A push that races a disconnect is dropped
// without error; the message log stays the source of truth and the recipient
// recovers the message via backlog replay or a history fetch.
package delivery

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/linkup/social-chat/internal/messaging"
	"github.com/linkup/social-chat/internal/metrics"
	"github.com/linkup/social-chat/internal/msglog"
	"github.com/linkup/social-chat/internal/protocol"
	"github.com/linkup/social-chat/internal/registry"
)

// IdentityDirectory answers whether an identity denotes a known user account.
// Satisfied by *users.Store. A nil directory skips the check.
type IdentityDirectory interface {
	Exists(ctx context.Context, identity string) (bool, error)
}

// ValidationError is returned for malformed or unauthorized send requests.
// Code is a stable machine-readable token surfaced in the error event.
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return "delivery: " + e.Code + ": " + e.Reason
}

// SendRequest carries the client-supplied fields of a send_message event.
type SendRequest struct {
	Sender   string
	Receiver string
	Content  string
	MsgType  string
	Nonce    string // client correlation token, echoed in the ack
}

// Router wires the message log, the session registry, and the identity
// directory into the send / read / typing flows.
type Router struct {
	log *msglog.Log
	reg *registry.Registry
	dir IdentityDirectory
	bus *messaging.Bus
}

// NewRouter creates a Router. dir and bus may be nil.
func NewRouter(msgLog *msglog.Log, reg *registry.Registry, dir IdentityDirectory, bus *messaging.Bus) *Router {
	return &Router{log: msgLog, reg: reg, dir: dir, bus: bus}
}

// Send validates and persists a new message, pushes it to the recipient if
// online, and acknowledges the sender on senderCh. The returned message is
// the canonical stored copy. A *ValidationError return means nothing was
// persisted and the caller should surface an error event; every other path
// succeeds from the sender's perspective.
func (r *Router) Send(ctx context.Context, senderCh registry.Channel, req SendRequest) (msglog.Message, error) {
	start := time.Now()

	if err := ValidateContent(req.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return msglog.Message{}, &ValidationError{Code: "invalid_message", Reason: err.Error()}
	}
	if !protocol.ValidContentType(req.MsgType) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return msglog.Message{}, &ValidationError{Code: "invalid_message", Reason: "unknown message type"}
	}
	if req.Sender == "" || req.Receiver == "" || req.Sender == req.Receiver {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return msglog.Message{}, &ValidationError{Code: "invalid_participants", Reason: "sender and receiver must be distinct known users"}
	}
	if err := r.checkIdentities(ctx, req.Sender, req.Receiver); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return msglog.Message{}, err
	}

	// Persist. From here on the send always succeeds.
	stored := r.log.Append(msglog.Message{
		Sender:   req.Sender,
		Receiver: req.Receiver,
		Content:  req.Content,
		Type:     req.MsgType,
	})

	// Push to the recipient if a channel is bound. A concurrent disconnect
	// just drops the push; the message stays queued in the log.
	if ch, ok := r.reg.ChannelFor(req.Receiver); ok {
		frame, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
			Message: toWire(stored),
		})
		if err == nil {
			if err := ch.WriteMessage(frame); err != nil {
				log.Printf("delivery: push to user=%s dropped: %v", req.Receiver, err)
			}
		}
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
	} else {
		metrics.MessagesTotal.WithLabelValues("queued").Inc()
	}

	// Ack the sender with the canonical id so the optimistic local copy can
	// reconcile by nonce.
	if senderCh != nil {
		ack, err := protocol.NewServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
			MessageID: stored.ID,
			Timestamp: stored.Timestamp,
			Nonce:     req.Nonce,
		})
		if err == nil {
			if err := senderCh.WriteMessage(ack); err != nil {
				log.Printf("delivery: ack to user=%s dropped: %v", req.Sender, err)
			}
		}
	}

	if r.bus != nil {
		event, _ := json.Marshal(struct {
			ID       string `json:"id"`
			Sender   string `json:"sender"`
			Receiver string `json:"receiver"`
			Ts       int64  `json:"ts"`
		}{stored.ID, stored.Sender, stored.Receiver, stored.Timestamp})
		r.bus.PublishMessageEvent(event)
	}

	return stored, nil
}

// MarkRead flips the read flag on the listed ids and pushes one messages_read
// receipt per distinct online sender, each containing only that sender's ids.
// Offline senders get nothing: the flag is already durable in the log and the
// sender recovers it from a history fetch on reconnect. Unknown and
// already-read ids are skipped, which makes repeated calls receipt-free.
func (r *Router) MarkRead(ids []string) []msglog.Message {
	transitioned := r.log.MarkRead(ids)
	if len(transitioned) == 0 {
		return transitioned
	}

	// Group transitioned ids by original sender, preserving order.
	bySender := make(map[string][]string)
	var senders []string
	for _, m := range transitioned {
		if _, seen := bySender[m.Sender]; !seen {
			senders = append(senders, m.Sender)
		}
		bySender[m.Sender] = append(bySender[m.Sender], m.ID)
	}

	for _, sender := range senders {
		ch, ok := r.reg.ChannelFor(sender)
		if !ok {
			continue
		}
		frame, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
			MessageIDs: bySender[sender],
		})
		if err != nil {
			continue
		}
		if err := ch.WriteMessage(frame); err != nil {
			log.Printf("delivery: receipt to user=%s dropped: %v", sender, err)
			continue
		}
		metrics.ReadReceiptsTotal.Inc()
	}

	return transitioned
}

// Typing relays a typing indicator to the target's channel. Dropped silently
// if the target is offline.
func (r *Router) Typing(from, to string) {
	metrics.TypingEventsTotal.WithLabelValues("typing").Inc()
	r.relayTyping(protocol.TypeUserTyping, from, to)
}

// StopTyping relays an explicit stop-typing to the target's channel.
func (r *Router) StopTyping(from, to string) {
	metrics.TypingEventsTotal.WithLabelValues("stop_typing").Inc()
	r.relayTyping(protocol.TypeUserStopTyping, from, to)
}

func (r *Router) relayTyping(eventType, from, to string) {
	ch, ok := r.reg.ChannelFor(to)
	if !ok {
		return
	}
	frame, err := protocol.NewServerMessage(eventType, protocol.UserTypingMsg{UserID: from})
	if err != nil {
		return
	}
	_ = ch.WriteMessage(frame)
}

// Backlog pushes the identity's queued unread messages on its channel as a
// single unread_messages event. Called after user_login binds the channel.
// Nothing is pushed when the backlog is empty. Read flags are not touched:
// the client decides when the messages are actually seen.
func (r *Router) Backlog(identity string) int {
	unread := r.log.UnreadFor(identity)
	if len(unread) == 0 {
		return 0
	}
	ch, ok := r.reg.ChannelFor(identity)
	if !ok {
		return 0
	}

	wire := make([]protocol.WireMessage, len(unread))
	for i, m := range unread {
		wire[i] = toWire(m)
	}
	frame, err := protocol.NewServerMessage(protocol.TypeUnreadMessages, protocol.UnreadMessagesMsg{
		Messages: wire,
	})
	if err != nil {
		return 0
	}
	if err := ch.WriteMessage(frame); err != nil {
		log.Printf("delivery: backlog push to user=%s dropped: %v", identity, err)
		return 0
	}
	return len(unread)
}

// History returns the conversation between two identities in ascending
// timestamp order, in wire form. Used by the REST history endpoint.
func (r *Router) History(a, b string) []protocol.WireMessage {
	msgs := r.log.History(a, b)
	wire := make([]protocol.WireMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = toWire(m)
	}
	return wire
}

func (r *Router) checkIdentities(ctx context.Context, sender, receiver string) error {
	if r.dir == nil {
		return nil
	}
	for _, identity := range []string{sender, receiver} {
		ok, err := r.dir.Exists(ctx, identity)
		if err != nil {
			// Directory outage must not block chat; fail open.
			log.Printf("delivery: identity lookup failed for user=%s: %v (failing open)", identity, err)
			continue
		}
		if !ok {
			return &ValidationError{Code: "unknown_identity", Reason: "user " + identity + " does not exist"}
		}
	}
	return nil
}

func toWire(m msglog.Message) protocol.WireMessage {
	return protocol.WireMessage{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		MsgType:   m.Type,
		Timestamp: m.Timestamp,
		Read:      m.Read,
	}
}
