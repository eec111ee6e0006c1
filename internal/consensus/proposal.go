package consensus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle position of a proposal
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the proposal no longer takes votes
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Vote is a single validator's verdict on a proposal
type Vote struct {
	Voter   string    `json:"voter"`
	Approve bool      `json:"approve"`
	At      time.Time `json:"at"`
}

// Proposal is a pending or decided ledger mutation. It is stored under
// proposal:<id> and, once Accepted, copied into the accepted log.
type Proposal struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Proposer  string          `json:"proposer"`
	Votes     []Vote          `json:"votes"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`
	Status    Status          `json:"status"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	// Previous links a retry to the expired or rejected proposal it follows
	Previous string `json:"previous,omitempty"`
}

// Approvals counts distinct approving voters
func (p *Proposal) Approvals() int {
	n := 0
	for _, v := range p.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// Rejections counts distinct rejecting voters
func (p *Proposal) Rejections() int {
	return len(p.Votes) - p.Approvals()
}

// HasVoted reports whether voter already cast a vote
func (p *Proposal) HasVoted(voter string) bool {
	for _, v := range p.Votes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

var namespace = uuid.MustParse("6f1c3b2e-6a52-4c1e-9d0b-3c7e2a9b5f10")

// ProposalID derives the deterministic id of a proposal. Validators that
// propose the same payload arrive at the same id. previous is empty for a
// first attempt and the id of the failed attempt for a retry.
func ProposalID(kind string, payload []byte, previous string) string {
	data := make([]byte, 0, len(kind)+len(payload)+len(previous)+2)
	data = append(data, kind...)
	data = append(data, 0)
	data = append(data, payload...)
	data = append(data, 0)
	data = append(data, previous...)
	return uuid.NewSHA1(namespace, data).String()
}

func decodeProposal(raw []byte) (*Proposal, error) {
	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal: %w", err)
	}
	return &p, nil
}

// DecodeAccepted decodes an entry of the accepted log
func DecodeAccepted(raw []byte) (*Proposal, error) {
	return decodeProposal(raw)
}
