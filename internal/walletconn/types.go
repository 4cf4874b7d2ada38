// Package walletconn talks the pairing/relay protocol: capability
// negotiation with an external wallet through a message relay, so client and
// wallet never need a direct network path.
package walletconn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fireside/connect-client-go/internal/model"
)

// Methods and events the client always requests at pairing time
const (
	MethodSendTransaction = "eth_sendTransaction"
	MethodSignTypedData   = "eth_signTypedData"
	MethodPersonalSign    = "personal_sign"

	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

const (
	relayProtocol   = "irn"
	protocolVersion = 2
	publishTTL      = 300 // seconds the relay holds an undelivered message
)

// ChainRef formats a chain identifier as eip155:<chainId>
func ChainRef(chainID uint64) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

// ProposalParams is the capability set requested from the wallet
type ProposalParams struct {
	Chains  []string `json:"chains"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// DefaultProposal returns the fixed capability set for sending transactions
// and signing, scoped to one chain.
func DefaultProposal(chainID uint64) ProposalParams {
	return ProposalParams{
		Chains:  []string{ChainRef(chainID)},
		Methods: []string{MethodSendTransaction, MethodSignTypedData, MethodPersonalSign},
		Events:  []string{EventAccountsChanged, EventChainChanged},
	}
}

// ApprovalResult is the outcome of a pending pairing proposal
type ApprovalResult struct {
	Session *model.PairingSession
	Err     error
}

// Proposal is an initiated pairing: the URI is shown to the user (QR code or
// deep link) while Approval delivers the wallet's out-of-band decision.
type Proposal struct {
	Topic    string
	URI      string
	Approval <-chan ApprovalResult
}

// Client is the pairing/relay protocol surface the session manager depends
// on. Implementations must make Init safe for concurrent callers and
// effective at most once per process lifetime.
type Client interface {
	Init(ctx context.Context) error
	Propose(ctx context.Context, params ProposalParams) (*Proposal, error)
	Abandon(ctx context.Context, topic string)
	Sessions() []*model.PairingSession
	Request(ctx context.Context, topic string, chainID uint64, method string, params any) (json.RawMessage, error)
	Disconnect(ctx context.Context, topic string) error
	Close() error
}
