package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/fireside/connect-client-go/internal/audit"
	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/model"
	"github.com/fireside/connect-client-go/internal/store"
	"github.com/fireside/connect-client-go/internal/util"
	"github.com/fireside/connect-client-go/internal/walletconn"
)

// WalletService manages the wallet pairing lifecycle: propose, wait for
// approval, persist, restore across restarts, disconnect. Restoration is
// fail-closed: any doubt about the persisted record resolves to "no
// session" with the record cleared.
type WalletService struct {
	client      walletconn.Client
	store       store.SessionStore
	chainID     uint64
	approvalTTL time.Duration
}

func NewWalletService(
	client walletconn.Client,
	sessionStore store.SessionStore,
	chainID uint64,
	approvalTTL time.Duration,
) *WalletService {
	return &WalletService{
		client:      client,
		store:       sessionStore,
		chainID:     chainID,
		approvalTTL: approvalTTL,
	}
}

// Pairing is an in-flight connect: the URI goes to the user while Wait
// blocks for the wallet's decision.
type Pairing struct {
	URI string

	svc      *WalletService
	proposal *walletconn.Proposal
}

// Connect initiates a pairing scoped to the given chain and returns the URI
// to present. The session itself arrives through Wait.
func (s *WalletService) Connect(ctx context.Context, chainID uint64) (*Pairing, error) {
	if err := s.client.Init(ctx); err != nil {
		return nil, err
	}

	proposal, err := s.client.Propose(ctx, walletconn.DefaultProposal(chainID))
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:  audit.EventSessionProposed,
		Topic: util.MaskTopic(proposal.Topic),
	})
	return &Pairing{URI: proposal.URI, svc: s, proposal: proposal}, nil
}

// Wait blocks until the wallet approves or rejects, or the approval window
// closes. On approval the session record is persisted; a persistence failure
// is logged but does not void the live session.
func (p *Pairing) Wait(ctx context.Context) (*model.ConnectedSession, error) {
	wctx, cancel := context.WithTimeout(ctx, p.svc.approvalTTL)
	defer cancel()

	select {
	case <-wctx.Done():
		p.abandon()
		if ctx.Err() != nil {
			return nil, apperrors.ConnectionFailed(ctx.Err())
		}
		return nil, apperrors.ApprovalTimeout()
	case res := <-p.proposal.Approval:
		if res.Err != nil {
			audit.Log(ctx, audit.Event{
				Type:  audit.EventSessionRejected,
				Topic: util.MaskTopic(p.proposal.Topic),
			})
			return nil, res.Err
		}
		return p.svc.settle(ctx, res.Session)
	}
}

// abandon tells the client to forget the unsettled pairing so its topic
// state does not outlive the approval window
func (p *Pairing) abandon() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.svc.client.Abandon(ctx, p.proposal.Topic)
}

func (s *WalletService) settle(ctx context.Context, session *model.PairingSession) (*model.ConnectedSession, error) {
	connected, err := connectedFrom(session)
	if err != nil {
		return nil, err
	}

	rec := &model.SessionRecord{
		Topic:   session.Topic,
		Expiry:  session.Expiry,
		SavedAt: time.Now(),
	}
	if err := s.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("topic", util.MaskTopic(session.Topic)).
			Msg("session established but record not persisted")
	}

	log.Info().
		Str("topic", util.MaskTopic(session.Topic)).
		Str("address", connected.Address).
		Time("expiry", session.Expiry).
		Msg("wallet session established")
	audit.Log(ctx, audit.Event{
		Type:    audit.EventSessionApproved,
		Topic:   util.MaskTopic(session.Topic),
		Address: connected.Address,
	})
	return connected, nil
}

// RestoreSession revives the persisted session if it is still live. Every
// failure path clears the record and reports no session rather than an
// error the caller could mistake for a transient fault.
func (s *WalletService) RestoreSession(ctx context.Context) (*model.ConnectedSession, error) {
	rec, err := s.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session record unreadable, starting fresh")
		s.clearRecord(ctx)
		return nil, nil
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Expired(time.Now()) {
		log.Info().Str("topic", util.MaskTopic(rec.Topic)).Msg("persisted session expired")
		s.clearRecord(ctx)
		return nil, nil
	}

	if err := s.client.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("client init failed during restore, starting fresh")
		s.clearRecord(ctx)
		return nil, nil
	}

	session := s.findLive(rec.Topic)
	if session == nil {
		log.Info().Str("topic", util.MaskTopic(rec.Topic)).Msg("persisted session not known to relay")
		s.clearRecord(ctx)
		return nil, nil
	}
	if session.Expired(time.Now()) {
		s.clearRecord(ctx)
		return nil, nil
	}

	connected, err := connectedFrom(session)
	if err != nil {
		log.Warn().Err(err).Str("topic", util.MaskTopic(rec.Topic)).Msg("restored session unusable")
		s.clearRecord(ctx)
		return nil, nil
	}

	log.Info().
		Str("topic", util.MaskTopic(session.Topic)).
		Str("address", connected.Address).
		Msg("wallet session restored")
	return connected, nil
}

// Disconnect ends the session. The relay notification is best effort; the
// local record is cleared regardless of its outcome.
func (s *WalletService) Disconnect(ctx context.Context) error {
	rec, err := s.store.Load(ctx)
	if err == nil && rec != nil {
		if err := s.client.Disconnect(ctx, rec.Topic); err != nil {
			log.Warn().Err(err).
				Str("topic", util.MaskTopic(rec.Topic)).
				Msg("relay disconnect failed, clearing local session anyway")
		}
		audit.Log(ctx, audit.Event{
			Type:  audit.EventSessionDisconnect,
			Topic: util.MaskTopic(rec.Topic),
		})
	}
	return s.store.Clear(ctx)
}

// SendTransaction submits a transaction through the wallet and returns the
// transaction hash. The request is dispatched exactly once; failures
// propagate to the caller uninterpreted so a potentially submitted
// transaction is never resent.
func (s *WalletService) SendTransaction(ctx context.Context, session *model.ConnectedSession, chainID uint64, tx map[string]any) (string, error) {
	raw, err := s.request(ctx, session, chainID, walletconn.MethodSendTransaction, []map[string]any{tx})
	if err != nil {
		return "", err
	}

	hash := gjson.ParseBytes(raw).String()
	audit.Log(ctx, audit.Event{
		Type:    audit.EventTransactionSent,
		Topic:   util.MaskTopic(session.Session.Topic),
		Address: session.Address,
		Details: map[string]interface{}{"hash": hash},
	})
	return hash, nil
}

// PersonalSign asks the wallet to sign a message with the session address
func (s *WalletService) PersonalSign(ctx context.Context, session *model.ConnectedSession, message string) (string, error) {
	raw, err := s.request(ctx, session, s.chainID, walletconn.MethodPersonalSign, []string{message, session.Address})
	if err != nil {
		return "", err
	}
	return gjson.ParseBytes(raw).String(), nil
}

// SignTypedData asks the wallet to sign structured data
func (s *WalletService) SignTypedData(ctx context.Context, session *model.ConnectedSession, typedData json.RawMessage) (string, error) {
	raw, err := s.request(ctx, session, s.chainID, walletconn.MethodSignTypedData, []any{session.Address, typedData})
	if err != nil {
		return "", err
	}
	return gjson.ParseBytes(raw).String(), nil
}

func (s *WalletService) request(ctx context.Context, session *model.ConnectedSession, chainID uint64, method string, params any) (json.RawMessage, error) {
	if session == nil {
		return nil, apperrors.NoSession()
	}
	if session.Session.Expired(time.Now()) {
		return nil, apperrors.SessionExpired()
	}
	return s.client.Request(ctx, session.Session.Topic, chainID, method, params)
}

func (s *WalletService) findLive(topic string) *model.PairingSession {
	for _, session := range s.client.Sessions() {
		if session.Topic == topic {
			return session
		}
	}
	return nil
}

func (s *WalletService) clearRecord(ctx context.Context) {
	if err := s.store.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("session record could not be cleared")
		return
	}
	audit.Log(ctx, audit.Event{Type: audit.EventSessionCleared})
}

func connectedFrom(session *model.PairingSession) (*model.ConnectedSession, error) {
	accounts := session.Accounts()
	if len(accounts) == 0 {
		return nil, apperrors.ValidationError("session carries no accounts")
	}
	if !util.IsValidAccount(accounts[0]) {
		return nil, apperrors.InvalidInput("account", "expected eip155:<chainId>:<address>")
	}
	address, ok := model.AddressFromAccount(accounts[0])
	if !ok {
		return nil, apperrors.InvalidInput("account", "expected eip155:<chainId>:<address>")
	}
	return &model.ConnectedSession{Session: session, Address: address}, nil
}
