// Package routing maps a classified connection (SNI, Host header, client IP)
// to a fixed upstream, following the ACL's ordered-rule, first-match-wins
// evaluation shape.
package routing

import (
	"net"
	"strings"
)

// Target is the upstream a connection should be routed to.
type Target struct {
	Host string
	Port int
}

// Match describes the conditions a Rule tests; an empty field is not
// evaluated, so a Rule can match on any subset of SNI, Host and client CIDR.
type Match struct {
	SNISuffix  string
	HostSuffix string
	ClientCIDR *net.IPNet
}

// Rule pairs a Match with the Target to send matching connections to.
type Rule struct {
	Match  Match
	Target Target
}

// Router evaluates an ordered list of rules; the first rule whose configured
// fields all match wins. No match means passthrough (route using the
// connection's own derived host/port instead of an override).
type Router struct {
	rules []Rule
}

// New builds a Router from a fixed rule set loaded once at startup.
func New(rules []Rule) *Router {
	return &Router{rules: rules}
}

// Route evaluates sni, host and clientIP against the configured rules and
// returns the matched Target, or ok=false if nothing matched.
func (r *Router) Route(sni, host string, clientIP net.IP) (Target, bool) {
	for _, rule := range r.rules {
		if ruleMatches(rule.Match, sni, host, clientIP) {
			return rule.Target, true
		}
	}
	return Target{}, false
}

func ruleMatches(m Match, sni, host string, clientIP net.IP) bool {
	if m.SNISuffix != "" && !matchesSuffix(sni, m.SNISuffix) {
		return false
	}
	if m.HostSuffix != "" && !matchesSuffix(host, m.HostSuffix) {
		return false
	}
	if m.ClientCIDR != nil {
		if clientIP == nil || !m.ClientCIDR.Contains(clientIP) {
			return false
		}
	}
	// A rule with no conditions set matches nothing, to avoid a config typo
	// silently becoming a catch-all.
	if m.SNISuffix == "" && m.HostSuffix == "" && m.ClientCIDR == nil {
		return false
	}
	return true
}

func matchesSuffix(value, suffix string) bool {
	value = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(value), "."))
	suffix = strings.ToLower(suffix)
	if value == "" {
		return false
	}
	return value == suffix || strings.HasSuffix(value, "."+suffix)
}
