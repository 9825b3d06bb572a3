package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// PreferenceResolver answers "may this entity be notified, and over which
// channels". Every lookup fails open: a missing row, a cache outage, or a
// store error all resolve to "enabled, all channels" so notifications never
// silently vanish because nobody configured a preference.
type PreferenceResolver struct {
	store Store
	cache *redis.Client // optional; nil disables caching
	ttl   time.Duration
	log   *slog.Logger
}

func NewPreferenceResolver(store Store, cache *redis.Client, log *slog.Logger) *PreferenceResolver {
	return &PreferenceResolver{
		store: store,
		cache: cache,
		ttl:   5 * time.Minute,
		log:   log,
	}
}

// Resolve returns the preference row for the entity, or nil when none is
// configured. The Redis cache is a pure optimization; on any cache error the
// store is consulted directly.
func (r *PreferenceResolver) Resolve(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) (*Preference, error) {
	key := prefCacheKey(entityType, entityID, notificationType, tenantID)

	if r.cache != nil {
		raw, err := r.cache.Get(ctx, key).Result()
		if err == nil {
			var p Preference
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return &p, nil
			}
		} else if err != redis.Nil {
			r.log.Warn("preference cache read failed", slog.String("error", err.Error()))
		}
	}

	p, err := r.store.GetPreference(ctx, entityType, entityID, notificationType, tenantID)
	if err != nil {
		return nil, err
	}

	if p != nil && r.cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			if err := r.cache.Set(ctx, key, raw, r.ttl).Err(); err != nil {
				r.log.Warn("preference cache write failed", slog.String("error", err.Error()))
			}
		}
	}
	return p, nil
}

// IsEnabled reports whether notifications of this type are enabled for the
// entity. No preference row means enabled.
func (r *PreferenceResolver) IsEnabled(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) bool {
	p, err := r.Resolve(ctx, entityType, entityID, notificationType, tenantID)
	if err != nil {
		r.log.Warn("preference lookup failed, defaulting to enabled",
			slog.String("entity", string(entityType)+":"+entityID),
			slog.String("error", err.Error()))
		return true
	}
	if p == nil {
		return true
	}
	return p.Enabled
}

// ChannelPreferences returns the per-channel opt-in map for the entity. A
// channel absent from the map is enabled.
func (r *PreferenceResolver) ChannelPreferences(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) map[string]bool {
	p, err := r.Resolve(ctx, entityType, entityID, notificationType, tenantID)
	if err != nil || p == nil {
		return nil
	}
	return p.Channels
}

// Invalidate drops the cached preference after SetPreferences writes.
func (r *PreferenceResolver) Invalidate(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) {
	if r.cache == nil {
		return
	}
	key := prefCacheKey(entityType, entityID, notificationType, tenantID)
	if err := r.cache.Del(ctx, key).Err(); err != nil {
		r.log.Warn("preference cache invalidation failed", slog.String("error", err.Error()))
	}
}

func prefCacheKey(entityType EntityType, entityID, notificationType, tenantID string) string {
	return fmt.Sprintf("notif:pref:%s:%s:%s:%s", tenantID, entityType, entityID, notificationType)
}

// ChannelAllowed reports whether the preference permits the given channel.
// A nil preference or a channel with no explicit entry is allowed.
func ChannelAllowed(p *Preference, channelID string) bool {
	if p == nil || p.Channels == nil {
		return true
	}
	allowed, ok := p.Channels[channelID]
	if !ok {
		return true
	}
	return allowed
}

// IsWithinQuietHours reports whether now's local time-of-day falls inside the
// preference's [start, end) window. Windows may wrap midnight (22:00-07:00).
// A preference without a window, or with a malformed one, never suppresses.
func IsWithinQuietHours(p *Preference, now time.Time) bool {
	if p == nil || p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, ok := parseClock(p.QuietHoursStart)
	if !ok {
		return false
	}
	end, ok := parseClock(p.QuietHoursEnd)
	if !ok {
		return false
	}
	if start == end {
		return false
	}

	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	// Wraparound window crossing midnight.
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
