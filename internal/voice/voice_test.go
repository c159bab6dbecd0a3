package voice_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Nerimity/nerimity-server-sub001/internal/store"
	"github.com/Nerimity/nerimity-server-sub001/internal/voice"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeDeliverer records point-to-point deliveries.
type fakeDeliverer struct {
	delivered chan delivery
}

type delivery struct {
	ConnID  string
	Event   string
	Payload json.RawMessage
}

func (f *fakeDeliverer) ToConnection(_ context.Context, connID, event string, payload json.RawMessage) error {
	f.delivered <- delivery{ConnID: connID, Event: event, Payload: payload}
	return nil
}

func newTestRelay(t *testing.T) (*voice.Relay, *fakeDeliverer) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), newTestLogger())
	deliverer := &fakeDeliverer{delivered: make(chan delivery, 16)}
	return voice.NewRelay(st, deliverer, newTestLogger()), deliverer
}

func awaitDelivery(t *testing.T, d *fakeDeliverer) delivery {
	t.Helper()
	select {
	case got := <-d.delivered:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal delivery")
		return delivery{}
	}
}

func assertNoDelivery(t *testing.T, d *fakeDeliverer) {
	t.Helper()
	select {
	case got := <-d.delivered:
		t.Fatalf("unexpected delivery to %s", got.ConnID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinAndLeave(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	members, err := r.Join(ctx, "chan-1", "user-a", "ws-a", "server-1")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "user-a" {
		t.Fatalf("members after join = %+v, want just user-a", members)
	}

	channelID, left, err := r.Leave(ctx, "user-a")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if !left || channelID != "chan-1" {
		t.Errorf("Leave = (%q, %v), want (chan-1, true)", channelID, left)
	}

	// leaving twice is a no-op
	_, left, err = r.Leave(ctx, "user-a")
	if err != nil {
		t.Fatalf("second Leave returned error: %v", err)
	}
	if left {
		t.Error("second Leave should report left=false")
	}
}

func TestLeaveConnectionIgnoresSiblingConnection(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	// the voice session lives on ws-a; ws-b is the same user's other device
	r.Join(ctx, "chan-1", "user-a", "ws-a", "")

	_, left, err := r.LeaveConnection(ctx, "user-a", "ws-b")
	if err != nil {
		t.Fatalf("LeaveConnection failed: %v", err)
	}
	if left {
		t.Error("a sibling connection's disconnect must not leave the channel")
	}
	members, err := r.Members(ctx, "chan-1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("voice membership destroyed by sibling disconnect: %+v", members)
	}

	// the session's own connection still tears it down
	channelID, left, err := r.LeaveConnection(ctx, "user-a", "ws-a")
	if err != nil {
		t.Fatalf("LeaveConnection failed: %v", err)
	}
	if !left || channelID != "chan-1" {
		t.Errorf("LeaveConnection = (%q, %v), want (chan-1, true)", channelID, left)
	}
}

func TestLeaveConnectionWithoutSessionIsNoop(t *testing.T) {
	r, _ := newTestRelay(t)

	_, left, err := r.LeaveConnection(context.Background(), "user-a", "ws-a")
	if err != nil {
		t.Fatalf("LeaveConnection returned error: %v", err)
	}
	if left {
		t.Error("LeaveConnection for a user with no session should report left=false")
	}
}

func TestJoinMovesUserBetweenChannels(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	r.Join(ctx, "chan-1", "user-a", "ws-a", "")
	members, err := r.Join(ctx, "chan-2", "user-a", "ws-a", "")
	if err != nil {
		t.Fatalf("second Join failed: %v", err)
	}
	if len(members) != 1 || members[0].ChannelID != "chan-2" {
		t.Fatalf("members after move = %+v", members)
	}

	// the old channel's member map must not still list the user
	old, err := r.Members(ctx, "chan-1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("user still present in old channel: %+v", old)
	}
}

func TestRelayDeliversToTargetConnectionOnly(t *testing.T) {
	r, d := newTestRelay(t)
	ctx := context.Background()

	r.Join(ctx, "chan-1", "user-a", "ws-a", "")
	r.Join(ctx, "chan-1", "user-b", "ws-b", "")

	r.Relay(ctx, "user-a", "ws-a", voice.Signal{
		ToUserID:  "user-b",
		ChannelID: "chan-1",
		Data:      json.RawMessage(`{"type":"offer"}`),
	})

	got := awaitDelivery(t, d)
	if got.ConnID != "ws-b" {
		t.Errorf("delivered to %q, want ws-b", got.ConnID)
	}
	if got.Event != voice.SignalEvent {
		t.Errorf("event = %q, want %q", got.Event, voice.SignalEvent)
	}
}

func TestRelayDropsWhenTargetMoved(t *testing.T) {
	r, d := newTestRelay(t)
	ctx := context.Background()

	r.Join(ctx, "chan-1", "user-a", "ws-a", "")
	r.Join(ctx, "chan-1", "user-b", "ws-b", "")
	// B moves before the signal is processed
	r.Join(ctx, "chan-2", "user-b", "ws-b", "")

	r.Relay(ctx, "user-a", "ws-a", voice.Signal{
		ToUserID:  "user-b",
		ChannelID: "chan-1",
		Data:      json.RawMessage(`{"type":"offer"}`),
	})
	assertNoDelivery(t, d)
}

func TestRelayDropsStaleSenderConnection(t *testing.T) {
	r, d := newTestRelay(t)
	ctx := context.Background()

	r.Join(ctx, "chan-1", "user-a", "ws-a-new", "")
	r.Join(ctx, "chan-1", "user-b", "ws-b", "")

	// a stale connection of user-a must not speak for them
	r.Relay(ctx, "user-a", "ws-a-old", voice.Signal{
		ToUserID:  "user-b",
		ChannelID: "chan-1",
		Data:      json.RawMessage(`{}`),
	})
	assertNoDelivery(t, d)
}

func TestRelayDropsSenderOutsideChannel(t *testing.T) {
	r, d := newTestRelay(t)
	ctx := context.Background()

	r.Join(ctx, "chan-2", "user-a", "ws-a", "")
	r.Join(ctx, "chan-1", "user-b", "ws-b", "")

	r.Relay(ctx, "user-a", "ws-a", voice.Signal{
		ToUserID:  "user-b",
		ChannelID: "chan-1",
		Data:      json.RawMessage(`{}`),
	})
	assertNoDelivery(t, d)
}
