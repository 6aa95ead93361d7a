// Package catalog holds the closed vocabulary sets the analyzer matches
// process names and DNS base domains against. Sets are
// deliberately small and fixed: the filter language and card projection
// depend on the catalog never silently growing a key.
package catalog

import "strings"

// threeLabelBases holds hosts whose category identity lives one level
// below the registrable domain (e.g. "copilot.microsoft.com" under the
// shared "microsoft.com" registrar) and so must not be collapsed to the
// last two labels like an ordinary subdomain.
var threeLabelBases = map[string]bool{
	"copilot.microsoft.com": true,
}

// BaseDomain returns the last two labels of host ("www.api.openai.com" ->
// "openai.com"), the unit every domain-category match is keyed on, except
// for the threeLabelBases overrides which keep their third label.
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	if len(labels) >= 3 {
		if three := strings.Join(labels[len(labels)-3:], "."); threeLabelBases[three] {
			return three
		}
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// aiProviderBases are AI/LLM-service base domains, matched by exact
// membership of a host's BaseDomain for the card-severity rule.
var aiProviderBases = map[string]bool{
	"openai.com":             true,
	"anthropic.com":          true,
	"claude.ai":              true,
	"copilot.microsoft.com":  true,
	"perplexity.ai":          true,
	"character.ai":     true,
	"poe.com":          true,
	"huggingface.co":   true,
	"cohere.ai":        true,
	"mistral.ai":       true,
	"x.ai":             true,
	"chatgpt.com":      true,
}

var searchEngineBases = map[string]bool{
	"google.com":     true,
	"bing.com":       true,
	"duckduckgo.com": true,
	"yahoo.com":      true,
	"baidu.com":      true,
	"yandex.com":     true,
}

var qnaBases = map[string]bool{
	"stackoverflow.com": true,
	"stackexchange.com": true,
	"quora.com":         true,
	"reddit.com":        true,
	"superuser.com":     true,
}

var codeHostBases = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
	"sourceforge.net": true,
	"codeberg.org":  true,
	"gitee.com":     true,
}

var packageRegistryBases = map[string]bool{
	"npmjs.org":      true,
	"npmjs.com":      true,
	"pypi.org":       true,
	"pkg.go.dev":     true,
	"crates.io":      true,
	"rubygems.org":   true,
	"nuget.org":      true,
	"maven.org":      true,
	"packagist.org":  true,
}

var cloudFileShareBases = map[string]bool{
	"dropbox.com":     true,
	"google.com":      true,
	"live.com":        true,
	"icloud.com":      true,
	"box.com":         true,
	"mega.nz":         true,
	"wetransfer.com":  true,
	"amazonaws.com":   true,
}

func IsAIProvider(base string) bool       { return aiProviderBases[base] }
func IsSearchEngine(base string) bool     { return searchEngineBases[base] }
func IsQnA(base string) bool              { return qnaBases[base] }
func IsCodeHost(base string) bool         { return codeHostBases[base] }
func IsPackageRegistry(base string) bool  { return packageRegistryBases[base] }
func IsCloudFileShare(base string) bool   { return cloudFileShareBases[base] }

// browserNames, shellNames, remoteCollabNames, sshLikeNames, and
// downloadToolNames are matched against a canonicalized process comm by
// case-insensitive substring containment over a closed set.
var (
	browserNames = []string{
		"chrome", "chromium", "firefox", "safari", "msedge", "edge",
		"brave", "opera", "vivaldi",
	}
	shellNames = []string{
		"bash", "zsh", "sh", "fish", "tcsh", "ksh", "powershell", "pwsh", "cmd.exe",
	}
	remoteCollabNames = []string{
		"teamviewer", "anydesk", "zoom", "discord", "teams", "skype",
		"chrome-remote-desktop", "vnc", "rustdesk",
	}
	sshLikeNames = []string{
		"ssh", "sshd", "putty", "mosh", "plink",
	}
	downloadToolNames = []string{
		"curl", "wget", "aria2c", "scp", "rsync", "rclone",
	}
)

func containsAny(name string, set []string) bool {
	name = strings.ToLower(name)
	for _, s := range set {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func IsBrowser(comm string) bool       { return containsAny(comm, browserNames) }
func IsShell(comm string) bool         { return containsAny(comm, shellNames) }
func IsRemoteCollab(comm string) bool  { return containsAny(comm, remoteCollabNames) }
func IsSSHLike(comm string) bool       { return containsAny(comm, sshLikeNames) }
func IsDownloadTool(comm string) bool  { return containsAny(comm, downloadToolNames) }

// PrivateIPv4 reports whether ip (a dotted-quad string) falls in
// 10/8, 192.168/16, or 172.16/12 — the "seat IP" / shared-LAN clustering
// candidate set.
func PrivateIPv4(ip string) bool {
	labels := strings.Split(ip, ".")
	if len(labels) != 4 {
		return false
	}
	if labels[0] == "10" {
		return true
	}
	if labels[0] == "192" && labels[1] == "168" {
		return true
	}
	if labels[0] == "172" {
		second := labels[1]
		n := 0
		for _, c := range second {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		return n >= 16 && n <= 31
	}
	return false
}
