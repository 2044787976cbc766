package prefs

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
)

const (
	DefaultLanguage = "en-US"
	DefaultTimezone = "UTC"
)

// ClockTime is a time of day with no date component.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClockTime accepts "HH:MM" or "HH:MM:SS".
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	var ct ClockTime
	var err error
	switch strings.Count(s, ":") {
	case 1:
		_, err = fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute)
	case 2:
		_, err = fmt.Sscanf(s, "%d:%d:%d", &ct.Hour, &ct.Minute, &ct.Second)
	default:
		return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
	}
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 || ct.Second < 0 || ct.Second > 59 {
		return ClockTime{}, fmt.Errorf("time of day out of range %q", s)
	}
	return ct, nil
}

// String renders HH:MM:SS (the export wire form).
func (ct ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", ct.Hour, ct.Minute, ct.Second)
}

// DaySeconds is the offset from midnight.
func (ct ClockTime) DaySeconds() int {
	return ct.Hour*3600 + ct.Minute*60 + ct.Second
}

func (ct ClockTime) MarshalText() ([]byte, error) { return []byte(ct.String()), nil }

func (ct *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*ct = v
	return nil
}

// TypePreference is a partial per-channel override for one notification
// type. A channel absent from the map inherits the global toggle.
type TypePreference map[notify.Channel]bool

// Preferences is one user's notification preference record.
//
// Records are created lazily with defaults the first time a user is
// referenced, mutated only through explicit store operations, and never
// deleted (Reset restores defaults).
type Preferences struct {
	UserID string `json:"user_id"`

	// Channels holds the global per-channel toggles.
	Channels map[notify.Channel]bool `json:"channels"`

	DoNotDisturb bool       `json:"do_not_disturb"`
	QuietStart   *ClockTime `json:"quiet_hours_start,omitempty"`
	QuietEnd     *ClockTime `json:"quiet_hours_end,omitempty"`

	Language string `json:"language"`
	Timezone string `json:"timezone"`

	TypePrefs map[notify.Type]TypePreference `json:"type_preferences,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Defaults returns a fresh preference record: every channel enabled
// except webhook, DND off, no quiet hours, "en-US"/"UTC".
func Defaults(userID string) Preferences {
	return Preferences{
		UserID: userID,
		Channels: map[notify.Channel]bool{
			notify.ChannelEmail:   true,
			notify.ChannelSMS:     true,
			notify.ChannelPush:    true,
			notify.ChannelInApp:   true,
			notify.ChannelWebhook: false,
		},
		Language: DefaultLanguage,
		Timezone: DefaultTimezone,
	}
}

// ChannelEnabled resolves the effective toggle for (type, channel):
// the type override when set, otherwise the global toggle.
func (p *Preferences) ChannelEnabled(t notify.Type, c notify.Channel) bool {
	if tp, ok := p.TypePrefs[t]; ok {
		if v, set := tp[c]; set {
			return v
		}
	}
	return p.Channels[c]
}

// Clone deep-copies the record so store callers never alias internal maps.
func (p *Preferences) Clone() Preferences {
	cp := *p
	cp.Channels = make(map[notify.Channel]bool, len(p.Channels))
	for k, v := range p.Channels {
		cp.Channels[k] = v
	}
	if p.QuietStart != nil {
		v := *p.QuietStart
		cp.QuietStart = &v
	}
	if p.QuietEnd != nil {
		v := *p.QuietEnd
		cp.QuietEnd = &v
	}
	if p.TypePrefs != nil {
		cp.TypePrefs = make(map[notify.Type]TypePreference, len(p.TypePrefs))
		for t, tp := range p.TypePrefs {
			m := make(TypePreference, len(tp))
			for c, v := range tp {
				m[c] = v
			}
			cp.TypePrefs[t] = m
		}
	}
	return cp
}

// Location resolves the user's timezone, falling back to UTC on a bad or
// empty identifier.
func (p *Preferences) Location() *time.Location {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Stats is an aggregate view over all preference records.
type Stats struct {
	TotalUsers        int            `json:"total_users"`
	ByLanguage        map[string]int `json:"by_language"`
	ByTimezone        map[string]int `json:"by_timezone"`
	DoNotDisturbUsers int            `json:"do_not_disturb_users"`
	QuietHoursUsers   int            `json:"quiet_hours_users"`
}
