package notification

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestIsWithinQuietHours(t *testing.T) {
	wrap := &Preference{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}
	day := &Preference{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}

	tests := []struct {
		name string
		pref *Preference
		now  time.Time
		want bool
	}{
		{"nil preference", nil, clockAt(23, 0), false},
		{"no window", &Preference{}, clockAt(23, 0), false},
		{"wraparound before midnight", wrap, clockAt(23, 30), true},
		{"wraparound after midnight", wrap, clockAt(3, 0), true},
		{"wraparound at start", wrap, clockAt(22, 0), true},
		{"wraparound at end is outside", wrap, clockAt(7, 0), false},
		{"wraparound midday", wrap, clockAt(12, 0), false},
		{"same-day inside", day, clockAt(12, 0), true},
		{"same-day at start", day, clockAt(9, 0), true},
		{"same-day at end is outside", day, clockAt(17, 0), false},
		{"same-day before start", day, clockAt(8, 59), false},
		{"zero-length window", &Preference{QuietHoursStart: "10:00", QuietHoursEnd: "10:00"}, clockAt(10, 0), false},
		{"malformed start", &Preference{QuietHoursStart: "25:00", QuietHoursEnd: "07:00"}, clockAt(3, 0), false},
		{"malformed end", &Preference{QuietHoursStart: "22:00", QuietHoursEnd: "soon"}, clockAt(23, 0), false},
		{"start only", &Preference{QuietHoursStart: "22:00"}, clockAt(23, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWithinQuietHours(tt.pref, tt.now); got != tt.want {
				t.Errorf("IsWithinQuietHours() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChannelAllowed(t *testing.T) {
	pref := &Preference{Channels: map[string]bool{"ch-email": false, "ch-push": true}}

	tests := []struct {
		name      string
		pref      *Preference
		channelID string
		want      bool
	}{
		{"nil preference", nil, "ch-email", true},
		{"nil channel map", &Preference{}, "ch-email", true},
		{"explicitly disabled", pref, "ch-email", false},
		{"explicitly enabled", pref, "ch-push", true},
		{"absent entry defaults to allowed", pref, "ch-inapp", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChannelAllowed(tt.pref, tt.channelID); got != tt.want {
				t.Errorf("ChannelAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolverFailsOpen(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("no preference row means enabled", func(t *testing.T) {
		store := newMemStore()
		r := NewPreferenceResolver(store, nil, log)
		if !r.IsEnabled(ctx, EntityMember, "m1", "meal_plan_approved", "t1") {
			t.Error("expected enabled with no preference row")
		}
	})

	t.Run("store failure means enabled", func(t *testing.T) {
		store := newMemStore()
		store.prefErrFor = "m1"
		r := NewPreferenceResolver(store, nil, log)
		if !r.IsEnabled(ctx, EntityMember, "m1", "meal_plan_approved", "t1") {
			t.Error("expected enabled when the store errors")
		}
	})

	t.Run("explicit disable wins", func(t *testing.T) {
		store := newMemStore()
		store.preferences[prefKey("t1", EntityMember, "m1", "meal_plan_approved")] = &Preference{
			TenantID: "t1", EntityType: EntityMember, EntityID: "m1",
			NotificationType: "meal_plan_approved", Enabled: false,
		}
		r := NewPreferenceResolver(store, nil, log)
		if r.IsEnabled(ctx, EntityMember, "m1", "meal_plan_approved", "t1") {
			t.Error("expected disabled")
		}
	})
}
