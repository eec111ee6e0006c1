package engine

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
)

// Proposal kinds
const (
	KindRegister      = "register"
	KindClaim         = "claim"
	KindResolve       = "resolve"
	KindSync          = "sync"
	KindTimeoutConfig = "timeout_config"
)

// ClaimPayload opens a Pending claim
type ClaimPayload struct {
	Issue  ledger.IssueID `json:"issue"`
	Hotkey string         `json:"hotkey"`
}

// ResolvePayload moves a Pending claim to a terminal state
type ResolvePayload struct {
	Issue  ledger.IssueID `json:"issue"`
	Hotkey string         `json:"hotkey"`
	State  ledger.State   `json:"state"`
}

// IssueFacts pairs an issue with its observed facts
type IssueFacts struct {
	Issue ledger.IssueID `json:"issue"`
	Facts ledger.Facts   `json:"facts"`
}

// StarRecord is the number of target repositories a user starred
type StarRecord struct {
	GitHubUsername string `json:"github_username"`
	Count          int    `json:"starred_repo_count"`
}

// SyncPayload publishes externally observed facts
type SyncPayload struct {
	Issues []IssueFacts `json:"issues,omitempty"`
	Stars  []StarRecord `json:"stars,omitempty"`
}

// TimeoutPayload changes the proposal timeout
type TimeoutPayload struct {
	Seconds int64 `json:"timeout_seconds"`
}

// normalize puts a sync payload in canonical form so validators observing
// the same facts produce the same proposal id.
func (p *SyncPayload) normalize() {
	for i := range p.Issues {
		f := &p.Issues[i]
		f.Issue = ledger.NewIssueID(f.Issue.Owner, f.Issue.Repo, f.Issue.Number)
		labels := make([]string, len(f.Facts.Labels))
		for j, l := range f.Facts.Labels {
			labels[j] = strings.ToLower(l)
		}
		sort.Strings(labels)
		f.Facts.Labels = labels
	}
	sort.Slice(p.Issues, func(i, j int) bool {
		return p.Issues[i].Issue.Key() < p.Issues[j].Issue.Key()
	})
	for i := range p.Stars {
		p.Stars[i].GitHubUsername = strings.ToLower(p.Stars[i].GitHubUsername)
	}
	sort.Slice(p.Stars, func(i, j int) bool {
		return p.Stars[i].GitHubUsername < p.Stars[j].GitHubUsername
	})
}

func decodePayload(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.ErrInvalidPayload.With("malformed payload: %v", err)
	}
	return nil
}

// encodePayload marshals a typed payload. Struct field order and sorted
// slices keep the bytes canonical.
func encodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// logicalKey names what a proposal targets; proposals with the same key
// conflict and only the first to be accepted applies.
func logicalKey(kind string, raw []byte) (string, error) {
	switch kind {
	case KindRegister:
		var req registry.Request
		if err := decodePayload(raw, &req); err != nil {
			return "", err
		}
		return KindRegister + ":" + strings.ToLower(req.GitHubUsername), nil
	case KindClaim:
		var c ClaimPayload
		if err := decodePayload(raw, &c); err != nil {
			return "", err
		}
		return KindClaim + ":" + c.Issue.Key() + ":" + c.Hotkey, nil
	case KindResolve:
		var r ResolvePayload
		if err := decodePayload(raw, &r); err != nil {
			return "", err
		}
		return KindResolve + ":" + r.Issue.Key() + ":" + r.Hotkey, nil
	case KindSync:
		return "", nil
	case KindTimeoutConfig:
		return KindTimeoutConfig, nil
	}
	return "", apperr.ErrInvalidPayload.With("unknown proposal kind %q", kind)
}
