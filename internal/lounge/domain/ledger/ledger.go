// Package ledger manages player credit balances through an append-only
// transaction history. Every balance movement writes a ledger row in the
// same transaction, so the balance always equals the signed sum of the
// history.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
	"github.com/netlounge/lounged/internal/platform/id"
)

// Store is the persistence boundary for ledger behavior.
type Store interface {
	GetPlayer(ctx context.Context, tenantID, playerID string) (storage.PlayerRecord, error)
	CreditPlayer(ctx context.Context, tenantID, playerID string, amount int64, txn storage.TransactionRecord) (storage.PlayerRecord, error)
	DebitPlayer(ctx context.Context, tenantID, playerID string, amount int64, txn storage.TransactionRecord) (storage.PlayerRecord, error)
	ListTransactionsByPlayer(ctx context.Context, tenantID, playerID string, limit int) ([]storage.TransactionRecord, error)
	SumTransactionsByPlayer(ctx context.Context, tenantID, playerID string) (int64, error)
}

// Service orchestrates credit movement for player accounts.
type Service struct {
	store Store
	clock func() time.Time
	newID func() (string, error)
}

// NewService constructs ledger use-cases.
func NewService(store Store, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{store: store, clock: clock, newID: newID}
}

// CreditInput describes one credit purchase.
type CreditInput struct {
	TenantID    string
	PlayerID    string
	Amount      int64
	Price       *int64
	Description string
	CreatedBy   string
}

// DebitInput describes one credit deduction.
type DebitInput struct {
	TenantID    string
	PlayerID    string
	Amount      int64
	Description string
	SessionID   string
	CreatedBy   string
}

// RefundInput describes one credit return.
type RefundInput struct {
	TenantID    string
	PlayerID    string
	Amount      int64
	Description string
	SessionID   string
	CreatedBy   string
}

// ReconcileResult compares the stored balance against the ledger sum.
type ReconcileResult struct {
	Balance   int64
	LedgerSum int64
	Matches   bool
}

func (s *Service) validate(tenantID, playerID string, amount int64) error {
	if s == nil || s.store == nil {
		return errors.New(errors.CodeInternal, "ledger store is not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(playerID) == "" {
		return fmt.Errorf("player id is required")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	return nil
}

func (s *Service) lookupPlayer(ctx context.Context, tenantID, playerID string) (storage.PlayerRecord, error) {
	player, err := s.store.GetPlayer(ctx, tenantID, playerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.PlayerRecord{}, errors.WithMetadata(errors.CodePlayerNotFound, "player not found", map[string]string{"player_id": playerID})
		}
		return storage.PlayerRecord{}, errors.Wrap(errors.CodeInternal, "load player", err)
	}
	return player, nil
}

// Credit adds purchased credits to a player balance.
func (s *Service) Credit(ctx context.Context, input CreditInput) (storage.PlayerRecord, error) {
	if err := s.validate(input.TenantID, input.PlayerID, input.Amount); err != nil {
		return storage.PlayerRecord{}, err
	}
	player, err := s.lookupPlayer(ctx, input.TenantID, input.PlayerID)
	if err != nil {
		return storage.PlayerRecord{}, err
	}
	txn, err := s.newTransaction(player, storage.TransactionCreditPurchase, input.Amount, input.Description, "", input.CreatedBy)
	if err != nil {
		return storage.PlayerRecord{}, err
	}
	txn.Price = input.Price

	record, err := s.store.CreditPlayer(ctx, input.TenantID, input.PlayerID, input.Amount, txn)
	if err != nil {
		return storage.PlayerRecord{}, errors.Wrap(errors.CodeInternal, "credit player", err)
	}
	return record, nil
}

// Debit spends credits from a player balance. The guard lives in the store
// write, so a concurrent debit cannot push the balance negative.
func (s *Service) Debit(ctx context.Context, input DebitInput) (storage.PlayerRecord, error) {
	if err := s.validate(input.TenantID, input.PlayerID, input.Amount); err != nil {
		return storage.PlayerRecord{}, err
	}
	player, err := s.lookupPlayer(ctx, input.TenantID, input.PlayerID)
	if err != nil {
		return storage.PlayerRecord{}, err
	}
	txn, err := s.newTransaction(player, storage.TransactionCreditDeduction, input.Amount, input.Description, input.SessionID, input.CreatedBy)
	if err != nil {
		return storage.PlayerRecord{}, err
	}

	record, err := s.store.DebitPlayer(ctx, input.TenantID, input.PlayerID, input.Amount, txn)
	if err != nil {
		if stderrors.Is(err, storage.ErrInsufficientCredits) {
			return storage.PlayerRecord{}, errors.WithMetadata(errors.CodeInsufficientCredits, "insufficient credit balance", map[string]string{
				"player_id": input.PlayerID,
			})
		}
		return storage.PlayerRecord{}, errors.Wrap(errors.CodeInternal, "debit player", err)
	}
	return record, nil
}

// Refund returns credits to a player balance.
func (s *Service) Refund(ctx context.Context, input RefundInput) (storage.PlayerRecord, error) {
	if err := s.validate(input.TenantID, input.PlayerID, input.Amount); err != nil {
		return storage.PlayerRecord{}, err
	}
	player, err := s.lookupPlayer(ctx, input.TenantID, input.PlayerID)
	if err != nil {
		return storage.PlayerRecord{}, err
	}
	txn, err := s.newTransaction(player, storage.TransactionRefund, input.Amount, input.Description, input.SessionID, input.CreatedBy)
	if err != nil {
		return storage.PlayerRecord{}, err
	}

	record, err := s.store.CreditPlayer(ctx, input.TenantID, input.PlayerID, input.Amount, txn)
	if err != nil {
		return storage.PlayerRecord{}, errors.Wrap(errors.CodeInternal, "refund player", err)
	}
	return record, nil
}

// Balance reports the current credit balance for one player.
func (s *Service) Balance(ctx context.Context, tenantID, playerID string) (int64, error) {
	if s == nil || s.store == nil {
		return 0, errors.New(errors.CodeInternal, "ledger store is not configured")
	}
	player, err := s.lookupPlayer(ctx, tenantID, playerID)
	if err != nil {
		return 0, err
	}
	return player.CreditBalance, nil
}

// History lists recent ledger rows for one player, newest first.
func (s *Service) History(ctx context.Context, tenantID, playerID string, limit int) ([]storage.TransactionRecord, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeInternal, "ledger store is not configured")
	}
	if _, err := s.lookupPlayer(ctx, tenantID, playerID); err != nil {
		return nil, err
	}
	records, err := s.store.ListTransactionsByPlayer(ctx, tenantID, playerID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "list transactions", err)
	}
	return records, nil
}

// Reconcile checks the stored balance against the signed ledger sum.
func (s *Service) Reconcile(ctx context.Context, tenantID, playerID string) (ReconcileResult, error) {
	if s == nil || s.store == nil {
		return ReconcileResult{}, errors.New(errors.CodeInternal, "ledger store is not configured")
	}
	player, err := s.lookupPlayer(ctx, tenantID, playerID)
	if err != nil {
		return ReconcileResult{}, err
	}
	sum, err := s.store.SumTransactionsByPlayer(ctx, tenantID, playerID)
	if err != nil {
		return ReconcileResult{}, errors.Wrap(errors.CodeInternal, "sum transactions", err)
	}
	return ReconcileResult{
		Balance:   player.CreditBalance,
		LedgerSum: sum,
		Matches:   player.CreditBalance == sum,
	}, nil
}

func (s *Service) newTransaction(player storage.PlayerRecord, txnType storage.TransactionType, amount int64, description, sessionID, createdBy string) (storage.TransactionRecord, error) {
	txnID, err := s.newID()
	if err != nil {
		return storage.TransactionRecord{}, errors.Wrap(errors.CodeInternal, "generate transaction id", err)
	}
	return storage.TransactionRecord{
		ID:             txnID,
		TenantID:       player.TenantID,
		PlayerID:       player.ID,
		PlayerUsername: player.Username,
		Type:           txnType,
		Amount:         amount,
		Description:    description,
		SessionID:      sessionID,
		CreatedBy:      createdBy,
		CreatedAt:      s.clock().UTC(),
	}, nil
}
