package store

import "fmt"

// Key namespaces shared with the host storage layout
const (
	PrefixUser     = "user:"
	PrefixGitHub   = "github:"
	PrefixIssue    = "issue:"
	PrefixBalance  = "balance:"
	PrefixStars    = "stars:"
	PrefixProposal = "proposal:"
	PrefixAccepted = "accepted:"
	PrefixPending  = "pending:"

	KeyLeaderboard       = "leaderboard"
	KeyRegisteredHotkeys = "registered_hotkeys"
	KeySyncedIssues      = "synced_issues"
	KeyTimeoutConfig     = "timeout_config"
)

func UserKey(hotkey string) string {
	return PrefixUser + hotkey
}

// GitHubKey expects an already lowercased username
func GitHubKey(username string) string {
	return PrefixGitHub + username
}

// IssueKey formats issue:<owner>/<repo>:<number>
func IssueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s%s/%s:%d", PrefixIssue, owner, repo, number)
}

func BalanceKey(hotkey string) string {
	return PrefixBalance + hotkey
}

func StarsKey(username string) string {
	return PrefixStars + username
}

func ProposalKey(id string) string {
	return PrefixProposal + id
}

// AcceptedKey orders the accepted log by decision time, then proposal id.
// The zero-padded nanosecond timestamp keeps lexical and numeric order equal.
func AcceptedKey(decidedUnixNano int64, id string) string {
	return fmt.Sprintf("%s%020d:%s", PrefixAccepted, decidedUnixNano, id)
}

// PendingKey indexes a pending proposal under its logical key. Values are
// empty; the proposal itself lives under ProposalKey.
func PendingKey(logicalKey, id string) string {
	return PendingPrefix(logicalKey) + id
}

// PendingPrefix lists the pending index of one logical key. Logical keys
// may share a prefix, so readers must still compare the proposal's key.
func PendingPrefix(logicalKey string) string {
	return PrefixPending + logicalKey + ":"
}
