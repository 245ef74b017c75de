package presence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/linkup/social-chat/internal/protocol"
)

type fakeBroadcaster struct {
	frames [][]byte
}

func (f *fakeBroadcaster) Broadcast(data []byte) {
	f.frames = append(f.frames, data)
}

type fakeStatusStore struct {
	calls []struct {
		identity string
		online   bool
	}
	err error
}

func (f *fakeStatusStore) SetPresence(_ context.Context, identity string, online bool) error {
	f.calls = append(f.calls, struct {
		identity string
		online   bool
	}{identity, online})
	return f.err
}

func decodeStatus(t *testing.T, frame []byte) protocol.UserStatusChangedMsg {
	t.Helper()
	var msg protocol.UserStatusChangedMsg
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return msg
}

func TestUserOnlineBroadcasts(t *testing.T) {
	b := &fakeBroadcaster{}
	s := &fakeStatusStore{}
	p := New(b, s, nil)

	p.UserOnline("7")

	if len(b.frames) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(b.frames))
	}
	msg := decodeStatus(t, b.frames[0])
	if msg.Type != protocol.TypeUserStatusChanged {
		t.Errorf("expected type %q, got %q", protocol.TypeUserStatusChanged, msg.Type)
	}
	if msg.UserID != "7" || msg.Status != protocol.StatusOnline {
		t.Errorf("unexpected payload: %+v", msg)
	}

	if len(s.calls) != 1 || s.calls[0].identity != "7" || !s.calls[0].online {
		t.Errorf("expected profile store online update, got %+v", s.calls)
	}
}

func TestUserOfflineBroadcasts(t *testing.T) {
	b := &fakeBroadcaster{}
	s := &fakeStatusStore{}
	p := New(b, s, nil)

	p.UserOffline("7")

	if len(b.frames) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(b.frames))
	}
	msg := decodeStatus(t, b.frames[0])
	if msg.UserID != "7" || msg.Status != protocol.StatusOffline {
		t.Errorf("unexpected payload: %+v", msg)
	}
	if len(s.calls) != 1 || s.calls[0].online {
		t.Errorf("expected profile store offline update, got %+v", s.calls)
	}
}

func TestNilProfileStore(t *testing.T) {
	b := &fakeBroadcaster{}
	p := New(b, nil, nil)

	// Must not panic without a profile store or bus.
	p.UserOnline("1")
	p.UserOffline("1")

	if len(b.frames) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(b.frames))
	}
}
