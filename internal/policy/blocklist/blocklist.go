// Package blocklist classifies destination hostnames against fixed category
// suffix tables (ads, analytics, social trackers, CDN trackers, malicious),
// following the teacher's Classify-style pure-function adapters.
package blocklist

import "strings"

// builtinCategoryOrder is the fixed priority order for the built-in tables;
// first match wins.
var builtinCategoryOrder = []string{"ads", "analytics", "social", "cdn", "malicious"}

var builtinTables = map[string]map[string]string{
	"ads": {
		"doubleclick.net":       "ad network",
		"googlesyndication.com": "ad network",
		"adnxs.com":             "ad exchange",
		"adsrvr.org":            "ad exchange",
		"taboola.com":           "native ad network",
	},
	"analytics": {
		"google-analytics.com": "web analytics",
		"googletagmanager.com": "tag manager",
		"segment.io":           "product analytics",
		"mixpanel.com":         "product analytics",
		"hotjar.com":           "session recording",
	},
	"social": {
		"connect.facebook.net":  "social sdk",
		"analytics.twitter.com": "social tracking pixel",
		"ads-twitter.com":       "social ad pixel",
	},
	"cdn": {
		"scorecardresearch.com": "cdn-hosted tracker",
		"quantserve.com":        "cdn-hosted tracker",
	},
	"malicious": {
		"malware-test.example":  "known malware distribution",
		"phishing-test.example": "known phishing host",
	},
}

// Blocklist classifies hostnames against the built-in category tables plus
// any extra entries supplied at construction time.
type Blocklist struct {
	tables        map[string]map[string]string
	categoryOrder []string
}

// New builds a Blocklist from the built-in tables merged with extra, where
// extra maps category -> domain -> reason, mirroring Config.Blocklist.Extra.
// Extra categories not already in the built-in priority order are appended
// after it, in the order Go happens to range the map (stable per instance).
func New(extra map[string]map[string]string) *Blocklist {
	tables := make(map[string]map[string]string, len(builtinTables))
	order := make([]string, len(builtinCategoryOrder))
	copy(order, builtinCategoryOrder)

	for category, entries := range builtinTables {
		merged := make(map[string]string, len(entries))
		for domain, reason := range entries {
			merged[domain] = reason
		}
		tables[category] = merged
	}

	for category, entries := range extra {
		merged, ok := tables[category]
		if !ok {
			merged = make(map[string]string)
			tables[category] = merged
			order = append(order, category)
		}
		for domain, reason := range entries {
			merged[strings.ToLower(domain)] = reason
		}
	}

	return &Blocklist{tables: tables, categoryOrder: order}
}

// Classify reports whether hostname matches a blocked category, in fixed
// priority order, with suffix matching at dot boundaries so "ads.example.com"
// matches a "example.com" entry but "badexample.com" does not.
func (b *Blocklist) Classify(hostname string) (blocked bool, category string, reason string) {
	hostname = normalise(hostname)
	if hostname == "" {
		return false, "", ""
	}

	for _, cat := range b.categoryOrder {
		entries := b.tables[cat]
		for domain, r := range entries {
			if matchesSuffix(hostname, domain) {
				return true, cat, r
			}
		}
	}
	return false, "", ""
}

func normalise(hostname string) string {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	return strings.TrimSuffix(hostname, ".")
}

func matchesSuffix(hostname, suffix string) bool {
	if hostname == suffix {
		return true
	}
	return strings.HasSuffix(hostname, "."+suffix)
}
