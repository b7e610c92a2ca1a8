package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
		same bool
	}{
		{
			name: "identical tuples collide",
			a:    Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/v1/search", Tier: "free"},
			b:    Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/v1/search", Tier: "free"},
			same: true,
		},
		{
			name: "different client ids diverge",
			a:    Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/v1/search", Tier: "free"},
			b:    Key{ClientID: "203.0.113.8", Type: ClientIP, Pattern: "/api/v1/search", Tier: "free"},
		},
		{
			name: "same id different type diverge",
			a:    Key{ClientID: "42", Type: ClientIP, Pattern: "/api/v1/search", Tier: "free"},
			b:    Key{ClientID: "42", Type: ClientUser, Pattern: "/api/v1/search", Tier: "free"},
		},
		{
			name: "different tiers diverge",
			a:    Key{ClientID: "42", Type: ClientUser, Pattern: "/api/v1/search", Tier: "free"},
			b:    Key{ClientID: "42", Type: ClientUser, Pattern: "/api/v1/search", Tier: "pro"},
		},
		{
			name: "crafted separator cannot forge another tuple",
			a:    Key{ClientID: "42" + keySep + "pro", Type: ClientUser, Pattern: "/p", Tier: "free"},
			b:    Key{ClientID: "42", Type: ClientUser, Pattern: "/p", Tier: "pro"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.String() == tt.b.String()
			if got != tt.same {
				t.Errorf("collision = %v, want %v (%q vs %q)", got, tt.same, tt.a.String(), tt.b.String())
			}
		})
	}
}

func TestWindowKey(t *testing.T) {
	k := Key{ClientID: "203.0.113.7", Type: ClientIP, Pattern: "/api/*", Tier: "anon"}

	minute := k.windowKey(time.Minute)
	hour := k.windowKey(time.Hour)
	if minute == hour {
		t.Fatalf("per-window keys must differ, both %q", minute)
	}
	if !strings.HasPrefix(minute, k.String()) {
		t.Errorf("window key %q should extend the canonical key %q", minute, k.String())
	}
}
