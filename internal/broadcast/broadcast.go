// Package broadcast fans events out to connections across all server
// processes. Every publish goes through the coordination store's pub/sub
// channel and every process delivers to whatever matching connections it
// holds locally; a process holding none silently no-ops. Own-node messages
// travel the same path as remote ones so delivery logic is single-sourced.
//
// Delivery is fire-and-forget: no acknowledgment, no retry. A missed
// presence or UI-hint event self-corrects on the client's next reconnect or
// state poll; re-delivering a stale snapshot would be worse than a drop.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Nerimity/nerimity-server-sub001/internal/relational"
	"github.com/Nerimity/nerimity-server-sub001/internal/store"
)

// Conn is the slice of the transport connection the broadcaster needs for
// local delivery.
type Conn interface {
	ID() string
	Send(message []byte)
	Close(err error)
}

// envelope is the wire format on the pub/sub channel.
type envelope struct {
	Node          string          `json:"node"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UserIDs       []string        `json:"userIds,omitempty"`
	RoomIDs       []string        `json:"roomIds,omitempty"`
	ConnIDs       []string        `json:"connIds,omitempty"`
	ExcludeConnID string          `json:"excludeConnId,omitempty"`
	Disconnect    bool            `json:"disconnect,omitempty"`
}

// ClientEvent is the frame written to a connection.
type ClientEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Broadcaster struct {
	logger     *slog.Logger
	store      *store.Store
	relational relational.Client
	node       string

	local *localTable
}

func New(st *store.Store, rel relational.Client, node string, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:     logger.With(slog.String("component", "broadcaster")),
		store:      st,
		relational: rel,
		node:       node,
		local:      newLocalTable(),
	}
}

// Run subscribes to the events channel and delivers until ctx is cancelled.
// The returned channel reports the subscription outcome exactly once: nil
// when the subscription is live, an error when it could not be established.
// Startup must not accept connections before a nil is received; a node whose
// subscription failed would hold connections it can never deliver to.
func (b *Broadcaster) Run(ctx context.Context) <-chan error {
	ready := make(chan error, 1)
	go func() {
		pubsub := b.store.Client().Subscribe(ctx, store.EventsChannel)
		defer pubsub.Close()

		// Receive confirmation of the subscription before signalling ready.
		if _, err := pubsub.Receive(ctx); err != nil {
			b.logger.Error("Failed to subscribe to events channel", slog.Any("error", err))
			ready <- fmt.Errorf("failed to subscribe to events channel: %w", err)
			return
		}
		ready <- nil
		b.logger.Info("Subscribed to events channel", slog.String("channel", store.EventsChannel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("Failed to unmarshal event envelope", slog.Any("error", err))
					continue
				}
				b.deliver(&env)
			}
		}
	}()
	return ready
}

// ToUser targets every connection of a user on every process. excludeConnID
// lets the user's other connections learn of their own state change without
// echoing to the connection that caused it; pass "" to target all.
func (b *Broadcaster) ToUser(ctx context.Context, userID, event string, payload json.RawMessage, excludeConnID string) error {
	return b.publish(ctx, &envelope{
		Event:         event,
		Payload:       payload,
		UserIDs:       []string{userID},
		ExcludeConnID: excludeConnID,
	})
}

// ToRoom targets every connection joined to a room (a server id or voice
// channel id).
func (b *Broadcaster) ToRoom(ctx context.Context, roomID, event string, payload json.RawMessage) error {
	return b.publish(ctx, &envelope{
		Event:   event,
		Payload: payload,
		RoomIDs: []string{roomID},
	})
}

// ToConnection targets exactly one connection, wherever it lives. Used for
// point-to-point voice signaling.
func (b *Broadcaster) ToConnection(ctx context.Context, connID, event string, payload json.RawMessage) error {
	return b.publish(ctx, &envelope{
		Event:   event,
		Payload: payload,
		ConnIDs: []string{connID},
	})
}

// ToUserAndAssociates targets the user's own connections, their friends, and
// every server they are a member of, in one publish. When the user has zero
// friends and zero servers the call is a deliberate no-op: the pub/sub
// primitive treats an empty target list as "no filter", and an accidental
// broadcast-to-everyone is the one failure mode this component must prevent.
func (b *Broadcaster) ToUserAndAssociates(ctx context.Context, userID, event string, payload json.RawMessage, excludeConnID string) error {
	friendIDs, err := b.relational.FriendIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve friends of user '%s': %w", userID, err)
	}
	serverIDs, err := b.relational.ServerIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve servers of user '%s': %w", userID, err)
	}

	if len(friendIDs) == 0 && len(serverIDs) == 0 {
		b.logger.Debug("Fan-out target set is empty, skipping", slog.String("userID", userID))
		return nil
	}

	return b.publish(ctx, &envelope{
		Event:         event,
		Payload:       payload,
		UserIDs:       append(friendIDs, userID),
		RoomIDs:       serverIDs,
		ExcludeConnID: excludeConnID,
	})
}

// DisconnectUser instructs every process to close the user's connections
// after delivering one final event, e.g. on token revocation or repeated
// rate-limit violations. The instruction is queued, not awaited; each
// transport's own close path unregisters the connection normally.
func (b *Broadcaster) DisconnectUser(ctx context.Context, userID, event string, payload json.RawMessage) error {
	return b.publish(ctx, &envelope{
		Event:      event,
		Payload:    payload,
		UserIDs:    []string{userID},
		Disconnect: true,
	})
}

func (b *Broadcaster) publish(ctx context.Context, env *envelope) error {
	if len(env.UserIDs) == 0 && len(env.RoomIDs) == 0 && len(env.ConnIDs) == 0 {
		// empty target list means "no filter" downstream; never publish it
		b.logger.Debug("Refusing to publish event with no targets", slog.String("event", env.Event))
		return nil
	}
	env.Node = b.node

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	if err := b.store.Client().Publish(ctx, store.EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event '%s': %w", env.Event, err)
	}
	return nil
}

// deliver resolves an envelope against the local connection table and writes
// the frame to every match this process holds.
func (b *Broadcaster) deliver(env *envelope) {
	targets := b.local.resolve(env.UserIDs, env.RoomIDs, env.ConnIDs, env.ExcludeConnID)
	if len(targets) == 0 {
		return
	}

	frame, err := json.Marshal(ClientEvent{Event: env.Event, Payload: env.Payload})
	if err != nil {
		b.logger.Error("Failed to marshal client event", slog.Any("error", err))
		return
	}

	for _, conn := range targets {
		conn.Send(frame)
		if env.Disconnect {
			conn.Close(fmt.Errorf("disconnected by server: %s", env.Event))
		}
	}
	b.logger.Debug("Delivered event locally",
		slog.String("event", env.Event),
		slog.Int("connections", len(targets)),
	)
}
