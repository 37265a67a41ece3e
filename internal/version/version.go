package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/thushan/netgate/theme"
)

var (
	Name        = "netgate"
	Authors     = "netgate contributors"
	Description = "Forwarding HTTP/HTTPS proxy with policy gates"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/thushan/netgate"
	GithubHomeUri   = "https://github.com/thushan/netgate"
	GithubLatestUri = "https://github.com/thushan/netgate/releases/latest"
)

// PrintVersionInfo prints a short banner and, when extendedInfo is set, build metadata.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)
	latestUri := theme.Hyperlink(GithubLatestUri, Version)

	var b strings.Builder

	b.WriteString(theme.ColourSplash("── netgate ") + theme.ColourVersion(Version) + theme.ColourSplash(" ──\n"))
	b.WriteString(theme.ColourSplash("  forwarding proxy: CONNECT tunnels, SNI routing, rate limits\n"))
	b.WriteString("  " + theme.StyleUrl(githubUri) + "  " + latestUri)

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("   Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("   Using: %s\n", User))
	}

	vlog.Println(b.String())
}
