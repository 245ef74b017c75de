// Package client provides a Go WebSocket client for the chat server. It
// connects with gobwas/ws (the same library the server uses), announces the
// user identity, tracks optimistic local copies of sent messages until the
// server acknowledges them, and manages the typing indicator lifecycle
// including the automatic stop after a pause.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/linkup/social-chat/internal/protocol"
)

// typingPause is how long after the last Typing call the client sends an
// automatic stop_typing.
const typingPause = 3 * time.Second

// LocalMessage is the client-side copy of a sent message. Until the server's
// message_sent acknowledgment arrives it has only the Nonce; the ack fills in
// the canonical ID and Timestamp and flips Confirmed.
type LocalMessage struct {
	Nonce     string
	ID        string
	Receiver  string
	Content   string
	MsgType   string
	Timestamp int64
	Confirmed bool
}

// Client is one user's connection to the chat server.
type Client struct {
	conn     net.Conn
	identity string

	mu         sync.Mutex
	writeMu    sync.Mutex               // serializes outbound frames
	outbox     map[string]*LocalMessage // nonce -> optimistic copy
	typingTo   map[string]*time.Timer   // receiver -> auto-stop timer
	typing     map[string]bool          // peer identity -> currently typing at us
	typingFrom map[string]*time.Timer   // peer identity -> indicator expiry timer
	handlers   map[string]func(json.RawMessage)

	typingTimeout time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// Dial connects to the server's /ws endpoint and starts the read loop. The
// identity is announced immediately with user_login.
func Dial(ctx context.Context, url, identity string) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	c := newClient(conn, identity)
	if err := c.login(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewWithConn wraps an existing connection without dialing or logging in.
// Call Login to announce the identity.
func NewWithConn(conn net.Conn, identity string) *Client {
	return newClient(conn, identity)
}

func newClient(conn net.Conn, identity string) *Client {
	c := &Client{
		conn:          conn,
		identity:      identity,
		outbox:        make(map[string]*LocalMessage),
		typingTo:      make(map[string]*time.Timer),
		typing:        make(map[string]bool),
		typingFrom:    make(map[string]*time.Timer),
		handlers:      make(map[string]func(json.RawMessage)),
		typingTimeout: typingPause,
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Login announces the identity, binding this connection as its live channel.
func (c *Client) Login() error {
	return c.login()
}

func (c *Client) login() error {
	return c.send(protocol.UserLoginMsg{
		Type:   protocol.TypeUserLogin,
		UserID: c.identity,
	})
}

// SendMessage submits a message and returns the optimistic local copy keyed
// by a fresh nonce. Sending implicitly ends any typing indicator toward the
// receiver, matching what the recipient sees in the conversation.
func (c *Client) SendMessage(receiver, content, msgType string) (*LocalMessage, error) {
	c.cancelTyping(receiver, true)

	local := &LocalMessage{
		Nonce:    uuid.New().String(),
		Receiver: receiver,
		Content:  content,
		MsgType:  msgType,
	}

	c.mu.Lock()
	c.outbox[local.Nonce] = local
	c.mu.Unlock()

	err := c.send(protocol.SendMessageMsg{
		Type:     protocol.TypeSendMessage,
		Sender:   c.identity,
		Receiver: receiver,
		Content:  content,
		MsgType:  msgType,
		Nonce:    local.Nonce,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.outbox, local.Nonce)
		c.mu.Unlock()
		return nil, err
	}
	return local, nil
}

// MarkRead flags the listed message ids as read on the server.
func (c *Client) MarkRead(ids []string) error {
	return c.send(protocol.MarkAsReadMsg{
		Type:       protocol.TypeMarkAsRead,
		MessageIDs: ids,
	})
}

// Typing signals that the user is typing to the receiver and (re)arms the
// automatic stop_typing sent after a pause.
func (c *Client) Typing(receiver string) error {
	err := c.send(protocol.TypingMsg{
		Type:       protocol.TypeTyping,
		UserID:     c.identity,
		ReceiverID: receiver,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if timer, ok := c.typingTo[receiver]; ok {
		timer.Stop()
	}
	c.typingTo[receiver] = time.AfterFunc(c.typingTimeout, func() {
		c.cancelTyping(receiver, true)
	})
	c.mu.Unlock()
	return nil
}

// StopTyping explicitly ends the typing indicator toward the receiver.
func (c *Client) StopTyping(receiver string) error {
	c.cancelTyping(receiver, false)
	return c.send(protocol.StopTypingMsg{
		Type:       protocol.TypeStopTyping,
		UserID:     c.identity,
		ReceiverID: receiver,
	})
}

// cancelTyping cancels the auto-stop timer for receiver. When notify is
// true and a timer was armed, a stop_typing is also sent.
func (c *Client) cancelTyping(receiver string, notify bool) {
	c.mu.Lock()
	timer, armed := c.typingTo[receiver]
	if armed {
		timer.Stop()
		delete(c.typingTo, receiver)
	}
	c.mu.Unlock()

	if armed && notify {
		_ = c.send(protocol.StopTypingMsg{
			Type:       protocol.TypeStopTyping,
			UserID:     c.identity,
			ReceiverID: receiver,
		})
	}
}

// On registers a handler for a server message type, replacing any previous
// registration. Handlers run on the read loop goroutine and should not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Outbox returns a snapshot of the optimistic local copies, confirmed and not.
func (c *Client) Outbox() []LocalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LocalMessage, 0, len(c.outbox))
	for _, m := range c.outbox {
		out = append(out, *m)
	}
	return out
}

// Unconfirmed returns how many sent messages still await their ack.
func (c *Client) Unconfirmed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.outbox {
		if !m.Confirmed {
			n++
		}
	}
	return n
}

// PeerTyping reports whether the given peer is currently typing at us. The
// flag is set by user_typing, cleared by user_stop_typing, and expires on its
// own after the typing pause when no stop arrives.
func (c *Client) PeerTyping(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[identity]
}

// Identity returns the identity this client announced.
func (c *Client) Identity() string {
	return c.identity
}

// Close closes the connection and stops the read loop. Safe to call multiple
// times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// send marshals and writes one client frame. The write mutex keeps frames
// from interleaving when the auto-stop timer fires during a send.
func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// readLoop reads server frames, applies built-in state updates (ack
// reconciliation, peer typing flags), and dispatches to registered handlers.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeMessageSent:
			c.reconcileAck(data)
		case protocol.TypeUserTyping:
			c.setPeerTyping(data, true)
		case protocol.TypeUserStopTyping:
			c.setPeerTyping(data, false)
		}

		c.mu.Lock()
		handler, ok := c.handlers[env.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}

// reconcileAck matches a message_sent ack to its optimistic copy by nonce and
// fills in the canonical id and timestamp.
func (c *Client) reconcileAck(data []byte) {
	var ack protocol.MessageSentMsg
	if err := json.Unmarshal(data, &ack); err != nil || ack.Nonce == "" {
		return
	}

	c.mu.Lock()
	if local, ok := c.outbox[ack.Nonce]; ok {
		local.ID = ack.MessageID
		local.Timestamp = ack.Timestamp
		local.Confirmed = true
	}
	c.mu.Unlock()
}

// setPeerTyping updates the incoming typing indicator for a peer. Each
// user_typing arms (or renews) an expiry timer so the indicator clears on its
// own if the peer never sends a stop, as happens when it disconnects
// mid-typing.
func (c *Client) setPeerTyping(data []byte, typing bool) {
	var msg protocol.UserTypingMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.UserID == "" {
		return
	}
	peer := msg.UserID

	c.mu.Lock()
	if timer, ok := c.typingFrom[peer]; ok {
		timer.Stop()
		delete(c.typingFrom, peer)
	}
	if typing {
		c.typing[peer] = true
		c.typingFrom[peer] = time.AfterFunc(c.typingTimeout, func() {
			c.expirePeerTyping(peer)
		})
	} else {
		delete(c.typing, peer)
	}
	c.mu.Unlock()
}

func (c *Client) expirePeerTyping(peer string) {
	c.mu.Lock()
	delete(c.typing, peer)
	delete(c.typingFrom, peer)
	c.mu.Unlock()
}
