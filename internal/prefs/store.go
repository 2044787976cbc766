package prefs

import (
	"context"
	"time"

	"notifyd/internal/notify"
)

// Store is the preference persistence contract.
//
// Implementations must be safe for concurrent use. Writes are
// last-write-wins on the whole record; there is no optimistic
// concurrency. Get creates the record lazily with Defaults().
type Store interface {
	Get(ctx context.Context, userID string) (Preferences, error)
	Update(ctx context.Context, p Preferences) error
	Reset(ctx context.Context, userID string) error
	BulkUpdate(ctx context.Context, ps []Preferences) error

	OptOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) error
	OptIn(ctx context.Context, userID string, t notify.Type, c notify.Channel) error
	IsOptedOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) (bool, error)
	SetDoNotDisturb(ctx context.Context, userID string, on bool) error
	SetQuietHours(ctx context.Context, userID string, start, end *ClockTime) error

	Export(ctx context.Context, userID string) (map[string]any, error)
	Import(ctx context.Context, userID string, fields map[string]any) error
	Stats(ctx context.Context) (Stats, error)
}

// ExportRecord flattens a record for Export. Quiet hours serialize as
// "HH:MM:SS" (empty string when unset) so the map round-trips through
// json/yaml without a custom type.
func ExportRecord(p Preferences) map[string]any {
	out := map[string]any{
		"user_id":         p.UserID,
		"email_enabled":   p.Channels[notify.ChannelEmail],
		"sms_enabled":     p.Channels[notify.ChannelSMS],
		"push_enabled":    p.Channels[notify.ChannelPush],
		"inapp_enabled":   p.Channels[notify.ChannelInApp],
		"webhook_enabled": p.Channels[notify.ChannelWebhook],
		"do_not_disturb":  p.DoNotDisturb,
		"language":        p.Language,
		"timezone":        p.Timezone,
		"updated_at":      p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.QuietStart != nil {
		out["quiet_hours_start"] = p.QuietStart.String()
	} else {
		out["quiet_hours_start"] = ""
	}
	if p.QuietEnd != nil {
		out["quiet_hours_end"] = p.QuietEnd.String()
	} else {
		out["quiet_hours_end"] = ""
	}

	tp := make(map[string]map[string]bool, len(p.TypePrefs))
	for t, m := range p.TypePrefs {
		inner := make(map[string]bool, len(m))
		for c, v := range m {
			inner[string(c)] = v
		}
		tp[string(t)] = inner
	}
	out["type_preferences"] = tp
	return out
}

var channelToggleFields = map[string]notify.Channel{
	"email_enabled":   notify.ChannelEmail,
	"sms_enabled":     notify.ChannelSMS,
	"push_enabled":    notify.ChannelPush,
	"inapp_enabled":   notify.ChannelInApp,
	"webhook_enabled": notify.ChannelWebhook,
}

// ApplyImport merges exported fields into a record, type-checking each
// field. A wrong-typed value is silently skipped and the existing value
// kept. This leniency is deliberate: imports come from external systems
// and one bad field must not reject the rest.
func ApplyImport(p *Preferences, fields map[string]any) {
	for name, ch := range channelToggleFields {
		if v, ok := fields[name].(bool); ok {
			p.Channels[ch] = v
		}
	}
	if v, ok := fields["do_not_disturb"].(bool); ok {
		p.DoNotDisturb = v
	}
	if v, ok := fields["language"].(string); ok && v != "" {
		p.Language = v
	}
	if v, ok := fields["timezone"].(string); ok && v != "" {
		p.Timezone = v
	}
	if raw, ok := fields["quiet_hours_start"].(string); ok {
		if raw == "" {
			p.QuietStart = nil
		} else if ct, err := ParseClockTime(raw); err == nil {
			p.QuietStart = &ct
		}
	}
	if raw, ok := fields["quiet_hours_end"].(string); ok {
		if raw == "" {
			p.QuietEnd = nil
		} else if ct, err := ParseClockTime(raw); err == nil {
			p.QuietEnd = &ct
		}
	}

	// Type preferences: each (type, channel) entry is checked on its own,
	// so one malformed entry doesn't drop its siblings.
	rawTP, ok := fields["type_preferences"]
	if !ok {
		return
	}
	switch tp := rawTP.(type) {
	case map[string]map[string]bool:
		for t, inner := range tp {
			for c, v := range inner {
				SetTypePref(p, notify.Type(t), notify.Channel(c), v)
			}
		}
	case map[string]any:
		for t, rawInner := range tp {
			inner, ok := rawInner.(map[string]any)
			if !ok {
				continue
			}
			for c, rawV := range inner {
				v, ok := rawV.(bool)
				if !ok {
					continue
				}
				SetTypePref(p, notify.Type(t), notify.Channel(c), v)
			}
		}
	}
}

// SetTypePref sets one (type, channel) override, allocating the maps on
// first use. Unknown channels are ignored.
func SetTypePref(p *Preferences, t notify.Type, c notify.Channel, v bool) {
	if !c.Valid() {
		return
	}
	if p.TypePrefs == nil {
		p.TypePrefs = map[notify.Type]TypePreference{}
	}
	if p.TypePrefs[t] == nil {
		p.TypePrefs[t] = TypePreference{}
	}
	p.TypePrefs[t][c] = v
}
