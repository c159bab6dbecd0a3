// Package voice tracks voice-channel membership in the coordination store
// and relays peer-to-peer signaling payloads between members of the same
// channel. Signals for one channel are processed strictly in submission
// order; offer/answer/candidate exchanges are order-sensitive and two
// processes racing to deliver out of order can corrupt a negotiation.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Nerimity/nerimity-server-sub001/internal/store"
)

// Member is one entry in a channel's member map. The user→channel pointer
// and this record are kept in agreement by Join and Leave; a user appears in
// at most one channel at a time.
type Member struct {
	UserID    string `json:"userId"`
	ConnID    string `json:"connectionId"`
	ServerID  string `json:"serverId,omitempty"`
	ChannelID string `json:"channelId"`
}

// Signal is a relayed signaling payload addressed to one peer.
type Signal struct {
	ToUserID  string
	ChannelID string
	Data      json.RawMessage
}

// Deliverer is the point-to-point delivery primitive the relay hands
// validated signals to; the broadcaster implements it.
type Deliverer interface {
	ToConnection(ctx context.Context, connID, event string, payload json.RawMessage) error
}

// SignalEvent is the outbound event name for relayed signals.
const SignalEvent = "voice:signal"

type Relay struct {
	store     *store.Store
	deliverer Deliverer
	queue     *serialQueue
	logger    *slog.Logger
}

func NewRelay(st *store.Store, deliverer Deliverer, logger *slog.Logger) *Relay {
	return &Relay{
		store:     st,
		deliverer: deliverer,
		queue:     newSerialQueue(),
		logger:    logger.With(slog.String("component", "voice_relay")),
	}
}

// Join records the user in the channel's member map and points the user at
// the channel. A user already in another channel is moved; the last writer
// for a user id wins. Returns the channel's membership after the join.
func (r *Relay) Join(ctx context.Context, channelID, userID, connID, serverID string) ([]Member, error) {
	// enforce the one-channel invariant before writing the new membership
	if _, _, err := r.Leave(ctx, userID); err != nil {
		return nil, err
	}

	client := r.store.Client()
	member := Member{UserID: userID, ConnID: connID, ServerID: serverID, ChannelID: channelID}
	raw, err := json.Marshal(member)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal voice member: %w", err)
	}

	if err := client.Set(ctx, store.VoiceUserChannelKey(userID), channelID, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to set voice channel pointer for user '%s': %w", userID, err)
	}
	if err := client.HSet(ctx, store.VoiceChannelMembersKey(channelID), userID, raw).Err(); err != nil {
		return nil, fmt.Errorf("failed to add user '%s' to voice channel '%s': %w", userID, channelID, err)
	}

	r.logger.Debug("User joined voice channel",
		slog.String("userID", userID),
		slog.String("channelID", channelID),
	)
	return r.Members(ctx, channelID)
}

// Leave removes the user from whichever channel they are in. left=false when
// the user had no recorded channel; leaving twice is a no-op, not an error.
func (r *Relay) Leave(ctx context.Context, userID string) (channelID string, left bool, err error) {
	client := r.store.Client()

	channelID, err = client.Get(ctx, store.VoiceUserChannelKey(userID)).Result()
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read voice channel pointer for user '%s': %w", userID, err)
	}

	if err := client.Del(ctx, store.VoiceUserChannelKey(userID)).Err(); err != nil {
		return "", false, fmt.Errorf("failed to delete voice channel pointer for user '%s': %w", userID, err)
	}
	if err := client.HDel(ctx, store.VoiceChannelMembersKey(channelID), userID).Err(); err != nil {
		return "", false, fmt.Errorf("failed to remove user '%s' from voice channel '%s': %w", userID, channelID, err)
	}

	r.logger.Debug("User left voice channel",
		slog.String("userID", userID),
		slog.String("channelID", channelID),
	)
	return channelID, true, nil
}

// LeaveConnection removes the user from their channel only when the departing
// connection is the one registered for the voice session. A sibling connection
// closing (the user's other device) must not tear down a live session held by
// a different connection, so a mismatch is a no-op.
func (r *Relay) LeaveConnection(ctx context.Context, userID, connID string) (channelID string, left bool, err error) {
	channelID, err = r.store.Client().Get(ctx, store.VoiceUserChannelKey(userID)).Result()
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read voice channel pointer for user '%s': %w", userID, err)
	}
	member, ok, err := r.member(ctx, channelID, userID)
	if err != nil {
		return "", false, err
	}
	if !ok || member.ConnID != connID {
		return "", false, nil
	}
	return r.Leave(ctx, userID)
}

// Members returns the formatted membership of a channel. Empty for unknown
// channels.
func (r *Relay) Members(ctx context.Context, channelID string) ([]Member, error) {
	fields, err := r.store.Client().HGetAll(ctx, store.VoiceChannelMembersKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of voice channel '%s': %w", channelID, err)
	}
	members := make([]Member, 0, len(fields))
	for _, raw := range fields {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			r.logger.Warn("Skipping corrupt voice member record", slog.String("channelID", channelID))
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// Relay queues a signal for ordered processing on its channel. Validation
// failures drop the signal silently: a dangling signal is not actionable by
// the client, and disconnects are expected to race with in-flight messages.
func (r *Relay) Relay(ctx context.Context, fromUserID, fromConnID string, sig Signal) {
	if sig.ChannelID == "" || sig.ToUserID == "" {
		return
	}
	r.queue.Submit(sig.ChannelID, func() {
		r.relay(ctx, fromUserID, fromConnID, sig)
	})
}

func (r *Relay) relay(ctx context.Context, fromUserID, fromConnID string, sig Signal) {
	member, ok, err := r.member(ctx, sig.ChannelID, fromUserID)
	if err != nil {
		r.logger.Error("Voice signal validation failed against store", slog.Any("error", err))
		return
	}
	// The sender's registered voice connection must be the one pushing the
	// signal; a stale or duplicate connection must not speak for the user.
	if !ok || member.ConnID != fromConnID {
		r.logger.Debug("Dropping voice signal from unregistered connection",
			slog.String("userID", fromUserID),
			slog.String("connID", fromConnID),
		)
		return
	}

	target, ok, err := r.member(ctx, sig.ChannelID, sig.ToUserID)
	if err != nil {
		r.logger.Error("Voice signal validation failed against store", slog.Any("error", err))
		return
	}
	if !ok {
		// the target left or switched channels; expected race, silent drop
		r.logger.Debug("Dropping voice signal for absent target",
			slog.String("toUserID", sig.ToUserID),
			slog.String("channelID", sig.ChannelID),
		)
		return
	}

	payload, err := json.Marshal(struct {
		FromUserID string          `json:"fromUserId"`
		ChannelID  string          `json:"channelId"`
		Signal     json.RawMessage `json:"signal"`
	}{FromUserID: fromUserID, ChannelID: sig.ChannelID, Signal: sig.Data})
	if err != nil {
		r.logger.Error("Failed to marshal voice signal payload", slog.Any("error", err))
		return
	}

	if err := r.deliverer.ToConnection(ctx, target.ConnID, SignalEvent, payload); err != nil {
		r.logger.Error("Failed to deliver voice signal", slog.Any("error", err))
	}
}

// member fetches one entry from a channel's member map.
func (r *Relay) member(ctx context.Context, channelID, userID string) (*Member, bool, error) {
	raw, err := r.store.Client().HGet(ctx, store.VoiceChannelMembersKey(channelID), userID).Result()
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m Member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false, fmt.Errorf("corrupt voice member record in channel '%s': %w", channelID, err)
	}
	return &m, true, nil
}
