package presence

import "github.com/tidwall/gjson"

// Truncation limits for client-supplied activity fields.
const (
	maxNameLen   = 30
	maxActionLen = 20
	maxLinkLen   = 200
	maxImgSrcLen = 250
)

// ParseUpdate validates a raw activity-change payload field by field. Bad
// fields are stripped and the rest kept, so one malformed value never rejects
// the whole update.
func ParseUpdate(raw []byte) Update {
	var u Update

	if v := gjson.GetBytes(raw, "status"); v.Exists() && v.Type == gjson.Number {
		s := Status(v.Int())
		if s.Valid() {
			u.Status = &s
		}
	}

	av := gjson.GetBytes(raw, "activity")
	switch {
	case !av.Exists():
	case av.Type == gjson.Null:
		u.ClearActivity = true
	case av.IsObject():
		a := parseActivity(av)
		// an activity with no name is not displayable; treat as absent
		if a.Name != "" {
			u.Activity = &a
		}
	}

	return u
}

func parseActivity(av gjson.Result) Activity {
	a := Activity{
		Name:   truncate(av.Get("name").String(), maxNameLen),
		Action: truncate(av.Get("action").String(), maxActionLen),
		Link:   truncate(av.Get("link").String(), maxLinkLen),
		ImgSrc: truncate(av.Get("imgSrc").String(), maxImgSrcLen),
	}
	if v := av.Get("startedAt"); v.Type == gjson.Number && v.Int() > 0 {
		a.StartedAt = v.Int()
	}
	if v := av.Get("endsAt"); v.Type == gjson.Number && v.Int() > 0 {
		a.EndsAt = v.Int()
	}
	return a
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
