package store

// Key prefixes for the shared key space. Keys are plain strings composed of a
// fixed prefix and an id; values are store-native primitives or serialized
// records. Every process composes keys through these helpers so the layout
// has a single definition.
const (
	userConnectionsPrefix     = "user_connections:"
	connectionUserPrefix      = "connection_user:"
	presencePrefix            = "presence:"
	rateLimitPrefix           = "rate_limit:"
	rateLimitEscalationPrefix = "rate_limit_esc:"
	voiceUserChannelPrefix    = "voice_user_channel:"
	voiceChannelMembersPrefix = "voice_channel_members:"
)

// EventsChannel is the pub/sub channel every process subscribes to for
// cross-process event fan-out.
const EventsChannel = "nerimity:events"

// UserConnectionsKey holds the set of live connection ids for a user.
func UserConnectionsKey(userID string) string {
	return userConnectionsPrefix + userID
}

// ConnectionUserKey holds the reverse mapping from a connection id to its
// owning user id.
func ConnectionUserKey(connID string) string {
	return connectionUserPrefix + connID
}

// PresenceKey holds the serialized presence record for a user.
func PresenceKey(userID string) string {
	return presencePrefix + userID
}

// RateLimitKey holds the request counter record for an identifier.
func RateLimitKey(id string) string {
	return rateLimitPrefix + id
}

// RateLimitEscalationKey holds the repeat-offender counter for an identifier
// and a caller-supplied sub-key.
func RateLimitEscalationKey(id, subKey string) string {
	return rateLimitEscalationPrefix + id + ":" + subKey
}

// VoiceUserChannelKey holds the channel id a user is currently joined to.
func VoiceUserChannelKey(userID string) string {
	return voiceUserChannelPrefix + userID
}

// VoiceChannelMembersKey holds the member map of a voice channel, keyed by
// user id.
func VoiceChannelMembersKey(channelID string) string {
	return voiceChannelMembersPrefix + channelID
}
