package presence

// Status is the numeric presence status shared with clients.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
	StatusLookingToPlay
	StatusAway
	StatusBusy
)

// Valid reports whether the numeric value maps to a known status.
func (s Status) Valid() bool {
	return s >= StatusOffline && s <= StatusBusy
}

// Activity is a user's free-form custom activity. Field lengths are enforced
// at the boundary by ParseUpdate; records read back from the store are
// trusted.
type Activity struct {
	Name      string `json:"name,omitempty"`
	Action    string `json:"action,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
	EndsAt    int64  `json:"endsAt,omitempty"`
	Link      string `json:"link,omitempty"`
	ImgSrc    string `json:"imgSrc,omitempty"`
}

// Presence is the per-user record kept in the coordination store. It exists
// only while at least one connection for the user is believed to be live; the
// connection registry creates it on first connect and deletes it on last
// disconnect.
type Presence struct {
	Status   Status    `json:"status"`
	Activity *Activity `json:"activity,omitempty"`
}

// Update is a partial presence change. Nil fields are left untouched on
// merge; ClearActivity removes the activity outright (a JSON null from the
// client).
type Update struct {
	Status        *Status
	Activity      *Activity
	ClearActivity bool
}

// Empty reports whether the update carries no surviving fields, e.g. when
// every submitted field was invalid and got stripped.
func (u Update) Empty() bool {
	return u.Status == nil && u.Activity == nil && !u.ClearActivity
}
