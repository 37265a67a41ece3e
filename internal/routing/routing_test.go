package routing

import (
	"net"
	"testing"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q) failed: %v", s, err)
	}
	return n
}

func TestRouter_MatchesOnSNISuffix(t *testing.T) {
	r := New([]Rule{
		{Match: Match{SNISuffix: "internal.example.com"}, Target: Target{Host: "10.0.0.5", Port: 443}},
	})

	target, ok := r.Route("api.internal.example.com", "", nil)
	if !ok {
		t.Fatal("expected a route match on SNI suffix")
	}
	if target.Host != "10.0.0.5" || target.Port != 443 {
		t.Errorf("unexpected target: %+v", target)
	}
}

func TestRouter_MatchesOnHostSuffix(t *testing.T) {
	r := New([]Rule{
		{Match: Match{HostSuffix: "example.com"}, Target: Target{Host: "10.0.0.9", Port: 80}},
	})

	if _, ok := r.Route("", "other.org", nil); ok {
		t.Error("unrelated host should not match")
	}
	if target, ok := r.Route("", "www.example.com", nil); !ok || target.Host != "10.0.0.9" {
		t.Error("expected host suffix match")
	}
}

func TestRouter_MatchesOnClientCIDR(t *testing.T) {
	r := New([]Rule{
		{Match: Match{ClientCIDR: mustCIDR(t, "192.168.1.0/24")}, Target: Target{Host: "10.0.0.1", Port: 8080}},
	})

	if _, ok := r.Route("", "", net.ParseIP("203.0.113.1")); ok {
		t.Error("client outside CIDR should not match")
	}
	if _, ok := r.Route("", "", net.ParseIP("192.168.1.50")); !ok {
		t.Error("client inside CIDR should match")
	}
}

func TestRouter_RequiresAllConfiguredConditions(t *testing.T) {
	r := New([]Rule{
		{
			Match: Match{
				HostSuffix: "example.com",
				ClientCIDR: mustCIDR(t, "192.168.1.0/24"),
			},
			Target: Target{Host: "10.0.0.2", Port: 443},
		},
	})

	if _, ok := r.Route("", "www.example.com", net.ParseIP("203.0.113.1")); ok {
		t.Error("host matches but client CIDR does not; rule should not match")
	}
	if _, ok := r.Route("", "www.example.com", net.ParseIP("192.168.1.5")); !ok {
		t.Error("both conditions match; rule should apply")
	}
}

func TestRouter_FirstMatchWins(t *testing.T) {
	r := New([]Rule{
		{Match: Match{HostSuffix: "example.com"}, Target: Target{Host: "first", Port: 1}},
		{Match: Match{HostSuffix: "www.example.com"}, Target: Target{Host: "second", Port: 2}},
	})

	target, ok := r.Route("", "www.example.com", nil)
	if !ok || target.Host != "first" {
		t.Errorf("expected the first matching rule to win, got %+v", target)
	}
}

func TestRouter_NoMatchReturnsFalse(t *testing.T) {
	r := New(nil)

	if _, ok := r.Route("anything.com", "anything.com", net.ParseIP("10.0.0.1")); ok {
		t.Error("expected no match with an empty rule set")
	}
}

func TestRouter_EmptyRuleNeverMatches(t *testing.T) {
	r := New([]Rule{{Match: Match{}, Target: Target{Host: "nope", Port: 0}}})

	if _, ok := r.Route("anything.com", "anything.com", net.ParseIP("10.0.0.1")); ok {
		t.Error("a rule with no conditions set must never match, to avoid silent catch-all typos")
	}
}
