package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Nerimity/nerimity-server-sub001/internal/presence"
	"github.com/Nerimity/nerimity-server-sub001/internal/ratelimit"
	"github.com/Nerimity/nerimity-server-sub001/internal/relational"
	"github.com/Nerimity/nerimity-server-sub001/internal/voice"
)

// Inbound event names.
const (
	eventNotificationDismiss = "notification:dismiss"
	eventUserActivity        = "user:activity"
	eventVoiceJoin           = "voice:join"
	eventVoiceLeave          = "voice:leave"
	eventVoiceSignal         = "voice:signal"
)

// Outbound event names.
const (
	eventUserPresence          = "user:presence"
	eventNotificationDismissed = "notification:dismissed"
	eventVoiceJoined           = "voice:joined"
	eventVoiceLeft             = "voice:left"
	eventConnectionError       = "connection:error"
)

// ClientMessage is the inbound frame shape.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleMessage dispatches one inbound frame. Handlers run to completion on
// the connection's read loop; the store and the voice queue are the only
// suspension points.
func (a *App) handleMessage(ctx context.Context, connID string, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		a.logger.Warn("Failed to unmarshal client message", "connID", connID, "error", err)
		return
	}

	userID, found, err := a.registry.ResolveUserID(ctx, connID)
	if err != nil {
		a.logger.Error("Failed to resolve user for connection", slog.String("connID", connID), slog.Any("error", err))
		return
	}
	if !found {
		// connection raced its own disconnect; nothing to do
		return
	}

	if limited := a.checkEventLimit(ctx, userID, connID); limited {
		return
	}

	switch clientMsg.Event {
	case eventNotificationDismiss:
		a.handleNotificationDismiss(ctx, userID, connID, clientMsg.Payload)
	case eventUserActivity:
		a.handleActivityChange(ctx, userID, connID, clientMsg.Payload)
	case eventVoiceJoin:
		a.handleVoiceJoin(ctx, userID, connID, clientMsg.Payload)
	case eventVoiceLeave:
		a.handleVoiceLeave(ctx, userID, connID)
	case eventVoiceSignal:
		a.handleVoiceSignal(ctx, userID, connID, clientMsg.Payload)
	default:
		a.logger.Warn("Received unknown event", "event", clientMsg.Event, "connID", connID)
	}
}

// checkEventLimit applies the per-user message limiter. Three lockouts
// within the escalation window force-disconnect every connection of the
// user. Limiter errors fail open here: dropping a presence hint because the
// store blipped is worse than letting one message through.
func (a *App) checkEventLimit(ctx context.Context, userID, connID string) bool {
	cfg := a.config.RateLimit
	if cfg.EventRequests <= 0 {
		return false
	}

	retryAfter, limited, err := a.limiter.Check(ctx, ratelimit.Options{
		ID:       "events:" + userID,
		Requests: cfg.EventRequests,
		Window:   cfg.EventWindow,
		Lockout:  cfg.EventLockout,
		Escalation: &ratelimit.Escalation{
			SubKey: "events",
			OnThirdViolation: func() {
				payload, _ := json.Marshal(map[string]string{"message": "rate limit exceeded"})
				if err := a.broadcaster.DisconnectUser(ctx, userID, eventConnectionError, payload); err != nil {
					a.logger.Error("Failed to force-disconnect user", slog.Any("error", err))
				}
			},
		},
	})
	if err != nil {
		a.logger.Error("Event rate limit check failed", slog.Any("error", err))
		return false
	}
	if limited {
		payload, _ := json.Marshal(map[string]int64{"retryAfterMs": retryAfter.Milliseconds()})
		if err := a.broadcaster.ToConnection(ctx, connID, eventConnectionError, payload); err != nil {
			a.logger.Error("Failed to notify rate limited connection", slog.Any("error", err))
		}
	}
	return limited
}

// handleNotificationDismiss relays a dismissal to the user's other
// connections so badges clear everywhere without echoing to the origin.
func (a *App) handleNotificationDismiss(ctx context.Context, userID, connID string, payload json.RawMessage) {
	channelID := gjson.GetBytes(payload, "channelId").String()
	if channelID == "" {
		return
	}
	out, _ := json.Marshal(map[string]string{"channelId": channelID})
	if err := a.broadcaster.ToUser(ctx, userID, eventNotificationDismissed, out, connID); err != nil {
		a.logger.Error("Failed to broadcast notification dismissal", slog.Any("error", err))
	}
}

// handleActivityChange merges a partial presence update and notifies the
// user's circle, excluding the originating connection.
func (a *App) handleActivityChange(ctx context.Context, userID, connID string, payload json.RawMessage) {
	update := presence.ParseUpdate(payload)
	emitted, err := a.presences.Update(ctx, userID, update)
	if err != nil {
		a.logger.Error("Failed to update presence", slog.Any("error", err))
		return
	}
	if !emitted {
		return
	}
	a.broadcastPresenceExcluding(ctx, userID, connID)
}

func (a *App) handleVoiceJoin(ctx context.Context, userID, connID string, payload json.RawMessage) {
	channelID := gjson.GetBytes(payload, "channelId").String()
	if channelID == "" {
		return
	}
	serverID := gjson.GetBytes(payload, "serverId").String()
	if serverID != "" {
		// membership data comes from the relational collaborator; a user not
		// on the server cannot join its voice channels
		_, isMember, err := a.relationalMember(ctx, serverID, userID)
		if err != nil {
			a.logger.Error("Failed to check server membership", slog.Any("error", err))
			return
		}
		if !isMember {
			a.logger.Warn("Voice join rejected for non-member",
				slog.String("userID", userID),
				slog.String("serverID", serverID),
			)
			return
		}
	}

	members, err := a.voiceRelay.Join(ctx, channelID, userID, connID, serverID)
	if err != nil {
		a.logger.Error("Failed to join voice channel", slog.Any("error", err))
		return
	}
	a.broadcaster.JoinLocalRoom(connID, channelID)

	out, err := json.Marshal(struct {
		ChannelID string         `json:"channelId"`
		UserID    string         `json:"userId"`
		Members   []voice.Member `json:"members"`
	}{ChannelID: channelID, UserID: userID, Members: members})
	if err != nil {
		a.logger.Error("Failed to marshal voice join payload", slog.Any("error", err))
		return
	}
	if err := a.broadcaster.ToRoom(ctx, channelID, eventVoiceJoined, out); err != nil {
		a.logger.Error("Failed to broadcast voice join", slog.Any("error", err))
	}
}

func (a *App) handleVoiceLeave(ctx context.Context, userID, connID string) {
	channelID, left, err := a.voiceRelay.Leave(ctx, userID)
	if err != nil {
		a.logger.Error("Failed to leave voice channel", slog.Any("error", err))
		return
	}
	if !left {
		return
	}
	a.broadcaster.LeaveLocalRoom(connID, channelID)
	a.broadcastVoiceLeft(ctx, channelID, userID)
}

func (a *App) handleVoiceSignal(ctx context.Context, userID, connID string, payload json.RawMessage) {
	sig := voice.Signal{
		ToUserID:  gjson.GetBytes(payload, "toUserId").String(),
		ChannelID: gjson.GetBytes(payload, "channelId").String(),
	}
	if raw := gjson.GetBytes(payload, "signal"); raw.Exists() {
		sig.Data = json.RawMessage(raw.Raw)
	}
	a.voiceRelay.Relay(ctx, userID, connID, sig)
}

// broadcastPresence announces the user's current presence to friends and
// servers, and to the user's own other connections.
func (a *App) broadcastPresence(ctx context.Context, userID, excludeConnID string) {
	a.broadcastPresenceExcluding(ctx, userID, excludeConnID)
}

func (a *App) broadcastPresenceExcluding(ctx context.Context, userID, excludeConnID string) {
	p, found, err := a.presences.Get(ctx, userID)
	if err != nil {
		a.logger.Error("Failed to read presence for broadcast", slog.Any("error", err))
		return
	}
	if !found {
		return
	}
	payload, err := json.Marshal(struct {
		UserID   string            `json:"userId"`
		Presence presence.Presence `json:"presence"`
	}{UserID: userID, Presence: *p})
	if err != nil {
		a.logger.Error("Failed to marshal presence payload", slog.Any("error", err))
		return
	}
	if err := a.broadcaster.ToUserAndAssociates(ctx, userID, eventUserPresence, payload, excludeConnID); err != nil {
		a.logger.Error("Failed to broadcast presence", slog.Any("error", err))
	}
}

// broadcastOffline announces the offline transition after the last
// disconnect removed the presence record.
func (a *App) broadcastOffline(ctx context.Context, userID string) {
	payload, err := json.Marshal(struct {
		UserID   string            `json:"userId"`
		Presence presence.Presence `json:"presence"`
	}{UserID: userID, Presence: presence.Presence{Status: presence.StatusOffline}})
	if err != nil {
		a.logger.Error("Failed to marshal offline payload", slog.Any("error", err))
		return
	}
	if err := a.broadcaster.ToUserAndAssociates(ctx, userID, eventUserPresence, payload, ""); err != nil {
		a.logger.Error("Failed to broadcast offline transition", slog.Any("error", err))
	}
}

func (a *App) broadcastVoiceLeft(ctx context.Context, channelID, userID string) {
	payload, err := json.Marshal(map[string]string{"channelId": channelID, "userId": userID})
	if err != nil {
		a.logger.Error("Failed to marshal voice leave payload", slog.Any("error", err))
		return
	}
	if err := a.broadcaster.ToRoom(ctx, channelID, eventVoiceLeft, payload); err != nil {
		a.logger.Error("Failed to broadcast voice leave", slog.Any("error", err))
	}
}

// relationalMember wraps the collaborator query in a deadline so a slow
// relational backend never blocks the read loop indefinitely.
func (a *App) relationalMember(ctx context.Context, serverID, userID string) (*relational.ServerMember, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.relational.ServerMember(queryCtx, serverID, userID)
}
