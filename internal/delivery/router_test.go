package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/linkup/social-chat/internal/msglog"
	"github.com/linkup/social-chat/internal/protocol"
	"github.com/linkup/social-chat/internal/registry"
)

type fakeChannel struct {
	frames [][]byte
	err    error
}

func (f *fakeChannel) WriteMessage(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeChannel) lastFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	if len(f.frames) == 0 {
		t.Fatal("expected at least one frame")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &m); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return m
}

type fakeDirectory struct {
	known map[string]bool
	err   error
}

func (f *fakeDirectory) Exists(_ context.Context, identity string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[identity], nil
}

func newTestRouter() (*Router, *registry.Registry, *msglog.Log) {
	reg := registry.New(nil, nil)
	msgLog := msglog.New()
	return NewRouter(msgLog, reg, nil, nil), reg, msgLog
}

func TestSendDeliversToOnlineReceiver(t *testing.T) {
	router, reg, _ := newTestRouter()
	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	reg.Bind("alice", aliceCh)
	reg.Bind("bob", bobCh)

	stored, err := router.Send(context.Background(), aliceCh, SendRequest{
		Sender:   "alice",
		Receiver: "bob",
		Content:  "hello",
		MsgType:  protocol.ContentText,
		Nonce:    "n-1",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if stored.ID == "" || stored.Timestamp == 0 {
		t.Errorf("expected assigned id and timestamp, got %+v", stored)
	}

	// Receiver got the push.
	push := bobCh.lastFrame(t)
	if push["type"] != protocol.TypeReceiveMessage {
		t.Errorf("expected receive_message, got %v", push["type"])
	}
	inner, ok := push["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested message object, got %v", push["message"])
	}
	if inner["content"] != "hello" || inner["sender"] != "alice" {
		t.Errorf("unexpected pushed message: %v", inner)
	}

	// Sender got the ack with the nonce echoed.
	ack := aliceCh.lastFrame(t)
	if ack["type"] != protocol.TypeMessageSent {
		t.Errorf("expected message_sent, got %v", ack["type"])
	}
	if ack["message_id"] != stored.ID {
		t.Errorf("ack id %v does not match stored id %s", ack["message_id"], stored.ID)
	}
	if ack["nonce"] != "n-1" {
		t.Errorf("expected nonce echo, got %v", ack["nonce"])
	}
}

func TestSendQueuesForOfflineReceiver(t *testing.T) {
	router, reg, msgLog := newTestRouter()
	aliceCh := &fakeChannel{}
	reg.Bind("alice", aliceCh)

	stored, err := router.Send(context.Background(), aliceCh, SendRequest{
		Sender:   "alice",
		Receiver: "bob",
		Content:  "you there?",
		MsgType:  protocol.ContentText,
	})
	if err != nil {
		t.Fatalf("send to offline receiver must succeed: %v", err)
	}

	// Ack arrived even though nothing was pushed.
	ack := aliceCh.lastFrame(t)
	if ack["type"] != protocol.TypeMessageSent {
		t.Errorf("expected message_sent ack, got %v", ack["type"])
	}
	if got, _ := msgLog.Get(stored.ID); got.Read {
		t.Error("queued message must start unread")
	}
}

func TestBacklogReplayOnReconnect(t *testing.T) {
	router, reg, _ := newTestRouter()
	aliceCh := &fakeChannel{}
	reg.Bind("alice", aliceCh)

	for _, content := range []string{"first", "second"} {
		if _, err := router.Send(context.Background(), aliceCh, SendRequest{
			Sender: "alice", Receiver: "bob", Content: content, MsgType: protocol.ContentText,
		}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	// Bob connects later and gets the queue in one event.
	bobCh := &fakeChannel{}
	reg.Bind("bob", bobCh)
	if n := router.Backlog("bob"); n != 2 {
		t.Fatalf("expected 2 backlog messages, got %d", n)
	}

	frame := bobCh.lastFrame(t)
	if frame["type"] != protocol.TypeUnreadMessages {
		t.Errorf("expected unread_messages, got %v", frame["type"])
	}
	msgs, ok := frame["messages"].([]interface{})
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages in backlog, got %v", frame["messages"])
	}

	// Empty backlog pushes nothing.
	bobCh.frames = nil
	if n := router.Backlog("carol"); n != 0 {
		t.Errorf("expected empty backlog for carol, got %d", n)
	}
}

func TestSendValidation(t *testing.T) {
	router, reg, msgLog := newTestRouter()
	ch := &fakeChannel{}
	reg.Bind("alice", ch)

	tests := []struct {
		name string
		req  SendRequest
		code string
	}{
		{
			name: "empty content",
			req:  SendRequest{Sender: "alice", Receiver: "bob", Content: "", MsgType: protocol.ContentText},
			code: "invalid_message",
		},
		{
			name: "oversized content",
			req:  SendRequest{Sender: "alice", Receiver: "bob", Content: strings.Repeat("a", MaxContentBytes+1), MsgType: protocol.ContentText},
			code: "invalid_message",
		},
		{
			name: "unknown content type",
			req:  SendRequest{Sender: "alice", Receiver: "bob", Content: "hi", MsgType: "video"},
			code: "invalid_message",
		},
		{
			name: "self message",
			req:  SendRequest{Sender: "alice", Receiver: "alice", Content: "hi", MsgType: protocol.ContentText},
			code: "invalid_participants",
		},
		{
			name: "missing receiver",
			req:  SendRequest{Sender: "alice", Receiver: "", Content: "hi", MsgType: protocol.ContentText},
			code: "invalid_participants",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.Send(context.Background(), ch, tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, verr.Code)
			}
		})
	}

	if msgLog.Len() != 0 {
		t.Errorf("rejected sends must not be persisted, log has %d", msgLog.Len())
	}
	if len(ch.frames) != 0 {
		t.Errorf("rejected sends must not be acked, got %d frames", len(ch.frames))
	}
}

func TestSendUnknownIdentity(t *testing.T) {
	reg := registry.New(nil, nil)
	dir := &fakeDirectory{known: map[string]bool{"alice": true}}
	router := NewRouter(msglog.New(), reg, dir, nil)
	ch := &fakeChannel{}
	reg.Bind("alice", ch)

	_, err := router.Send(context.Background(), ch, SendRequest{
		Sender: "alice", Receiver: "ghost", Content: "hi", MsgType: protocol.ContentText,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != "unknown_identity" {
		t.Fatalf("expected unknown_identity error, got %v", err)
	}
}

func TestSendDirectoryFailOpen(t *testing.T) {
	reg := registry.New(nil, nil)
	dir := &fakeDirectory{err: errors.New("db down")}
	router := NewRouter(msglog.New(), reg, dir, nil)
	ch := &fakeChannel{}
	reg.Bind("alice", ch)

	if _, err := router.Send(context.Background(), ch, SendRequest{
		Sender: "alice", Receiver: "bob", Content: "hi", MsgType: protocol.ContentText,
	}); err != nil {
		t.Fatalf("directory outage must not block sends: %v", err)
	}
}

func TestMarkReadGroupsReceiptsBySender(t *testing.T) {
	router, reg, _ := newTestRouter()
	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	carolCh := &fakeChannel{}
	reg.Bind("alice", aliceCh)
	reg.Bind("bob", bobCh)
	reg.Bind("carol", carolCh)

	m1, _ := router.Send(context.Background(), aliceCh, SendRequest{
		Sender: "alice", Receiver: "carol", Content: "a1", MsgType: protocol.ContentText,
	})
	m2, _ := router.Send(context.Background(), bobCh, SendRequest{
		Sender: "bob", Receiver: "carol", Content: "b1", MsgType: protocol.ContentText,
	})
	m3, _ := router.Send(context.Background(), aliceCh, SendRequest{
		Sender: "alice", Receiver: "carol", Content: "a2", MsgType: protocol.ContentText,
	})

	// Bob disconnects before carol reads.
	reg.Unbind(bobCh)
	aliceCh.frames = nil
	bobCh.frames = nil

	transitioned := router.MarkRead([]string{m1.ID, m2.ID, m3.ID})
	if len(transitioned) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(transitioned))
	}

	// Alice gets one receipt with only her two ids.
	if len(aliceCh.frames) != 1 {
		t.Fatalf("expected 1 receipt frame for alice, got %d", len(aliceCh.frames))
	}
	receipt := aliceCh.lastFrame(t)
	if receipt["type"] != protocol.TypeMessagesRead {
		t.Errorf("expected messages_read, got %v", receipt["type"])
	}
	ids, _ := receipt["message_ids"].([]interface{})
	if len(ids) != 2 || ids[0] != m1.ID || ids[1] != m3.ID {
		t.Errorf("unexpected receipt ids: %v", ids)
	}

	// Bob is offline: receipt dropped, flag still durable.
	if len(bobCh.frames) != 0 {
		t.Errorf("offline sender must not receive a receipt, got %d frames", len(bobCh.frames))
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	router, reg, _ := newTestRouter()
	aliceCh := &fakeChannel{}
	carolCh := &fakeChannel{}
	reg.Bind("alice", aliceCh)
	reg.Bind("carol", carolCh)

	m, _ := router.Send(context.Background(), aliceCh, SendRequest{
		Sender: "alice", Receiver: "carol", Content: "hi", MsgType: protocol.ContentText,
	})

	if n := len(router.MarkRead([]string{m.ID})); n != 1 {
		t.Fatalf("expected 1 transition, got %d", n)
	}
	aliceCh.frames = nil

	// Second call finds nothing to flip and sends no receipt.
	if n := len(router.MarkRead([]string{m.ID, "does-not-exist"})); n != 0 {
		t.Errorf("expected 0 transitions on repeat, got %d", n)
	}
	if len(aliceCh.frames) != 0 {
		t.Errorf("repeated mark_as_read must not re-emit receipts, got %d frames", len(aliceCh.frames))
	}
}

func TestOfflineReadRecoveredFromHistory(t *testing.T) {
	router, reg, _ := newTestRouter()
	bobCh := &fakeChannel{}
	carolCh := &fakeChannel{}
	reg.Bind("bob", bobCh)
	reg.Bind("carol", carolCh)

	m, _ := router.Send(context.Background(), bobCh, SendRequest{
		Sender: "bob", Receiver: "carol", Content: "hi", MsgType: protocol.ContentText,
	})

	reg.Unbind(bobCh)
	router.MarkRead([]string{m.ID})

	// Bob reconnects and fetches history; the read flag is visible there.
	history := router.History("bob", "carol")
	if len(history) != 1 {
		t.Fatalf("expected 1 message in history, got %d", len(history))
	}
	if !history[0].Read {
		t.Error("read flag must be durable in history after offline receipt drop")
	}
}

func TestTypingRelay(t *testing.T) {
	router, reg, _ := newTestRouter()
	bobCh := &fakeChannel{}
	reg.Bind("bob", bobCh)

	router.Typing("alice", "bob")
	frame := bobCh.lastFrame(t)
	if frame["type"] != protocol.TypeUserTyping || frame["user_id"] != "alice" {
		t.Errorf("unexpected typing relay: %v", frame)
	}

	router.StopTyping("alice", "bob")
	frame = bobCh.lastFrame(t)
	if frame["type"] != protocol.TypeUserStopTyping || frame["user_id"] != "alice" {
		t.Errorf("unexpected stop_typing relay: %v", frame)
	}

	// Offline target: silent drop.
	router.Typing("alice", "nobody")
	if len(bobCh.frames) != 2 {
		t.Errorf("typing to offline target must not reach bob, got %d frames", len(bobCh.frames))
	}
}

func TestPushFailureDoesNotFailSend(t *testing.T) {
	router, reg, msgLog := newTestRouter()
	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{err: errors.New("broken pipe")}
	reg.Bind("alice", aliceCh)
	reg.Bind("bob", bobCh)

	stored, err := router.Send(context.Background(), aliceCh, SendRequest{
		Sender: "alice", Receiver: "bob", Content: "hi", MsgType: protocol.ContentText,
	})
	if err != nil {
		t.Fatalf("write failure on push must not fail the send: %v", err)
	}
	if _, ok := msgLog.Get(stored.ID); !ok {
		t.Error("message must stay persisted after a dropped push")
	}
	if ack := aliceCh.lastFrame(t); ack["type"] != protocol.TypeMessageSent {
		t.Errorf("sender must still be acked, got %v", ack["type"])
	}
}
