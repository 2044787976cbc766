package prefs

import (
	"context"
	"time"

	logx "notifyd/pkg/logx"

	"notifyd/internal/notify"
)

// Resolution is the single result of preference resolution: either a
// non-empty allowed channel set or a skip reason, never both.
type Resolution struct {
	Allowed []notify.Channel
	Skip    notify.SkipReason

	// Language is the user's preferred language, carried so the caller
	// can render without a second store read.
	Language string
}

// Skipped reports whether resolution produced no deliverable channels.
func (r Resolution) Skipped() bool { return r.Skip != notify.SkipNone }

// Resolver computes the allowed channel set for one request.
// It only ever reads from the store.
type Resolver struct {
	store Store
	log   logx.Logger
}

func NewResolver(store Store, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, log: log}
}

// Resolve applies, in order and short-circuiting: do-not-disturb, quiet
// hours (both bypassed by critical priority — the sole override path),
// then the per-channel layering of type override over global toggle.
//
// Unknown channels are rejected with a ValidationError rather than
// silently dropped. Requested channel order is preserved; duplicates are
// the caller's problem (Request.Normalize dedupes).
func (r *Resolver) Resolve(ctx context.Context, userID string, t notify.Type, channels []notify.Channel, priority notify.Priority, now time.Time) (Resolution, error) {
	for _, c := range channels {
		if !c.Valid() {
			return Resolution{}, &notify.ValidationError{Field: "channels", Reason: "unknown channel " + string(c)}
		}
	}

	p, err := r.store.Get(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}

	if p.DoNotDisturb && !priority.Critical() {
		r.log.Debug("resolution skipped",
			logx.String("user", userID), logx.String("reason", string(notify.SkipDND)))
		return Resolution{Skip: notify.SkipDND}, nil
	}

	// Quiet hours are evaluated on the user's local clock.
	if InQuietWindow(p.QuietStart, p.QuietEnd, now.In(p.Location())) && !priority.Critical() {
		r.log.Debug("resolution skipped",
			logx.String("user", userID), logx.String("reason", string(notify.SkipQuietHours)))
		return Resolution{Skip: notify.SkipQuietHours}, nil
	}

	allowed := make([]notify.Channel, 0, len(channels))
	for _, c := range channels {
		if p.ChannelEnabled(t, c) {
			allowed = append(allowed, c)
		}
	}
	if len(allowed) == 0 {
		r.log.Debug("resolution skipped",
			logx.String("user", userID), logx.String("reason", string(notify.SkipChannelsDisabled)))
		return Resolution{Skip: notify.SkipChannelsDisabled}, nil
	}
	return Resolution{Allowed: allowed, Language: p.Language}, nil
}
