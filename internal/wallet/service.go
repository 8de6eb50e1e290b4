// Package wallet moves money in and out of node wallets. Every balance change
// writes exactly one Transaction in the caller's unit of work, and balances
// never go below zero.
package wallet

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/poolnet-backend/pkg/validate"
)

// Service defines the wallet operations used by the waterfall and node flows.
type Service interface {
	Credit(ctx context.Context, tx *gorm.DB, input CreditInput) (*models.Transaction, error)
	Debit(ctx context.Context, tx *gorm.DB, input DebitInput) (*models.Transaction, error)
	Balance(ctx context.Context, ownerID uint64) (decimal.Decimal, error)
	NodeBalance(ctx context.Context, nodeID uint64) (decimal.Decimal, error)
}

type service struct {
	repo   Repository
	outbox outbox.Emitter
}

// CreditInput describes money arriving in a node wallet.
type CreditInput struct {
	NodeID       uint64                    `json:"node_id" validate:"required"`
	Amount       decimal.Decimal           `json:"amount" validate:"positive_amount,cents"`
	Category     enums.TransactionCategory `json:"category" validate:"required"`
	SourceNodeID *uint64                   `json:"source_node_id"`
	Tree         *enums.TreeKind           `json:"tree"`
	Description  string                    `json:"description" validate:"required"`
}

// DebitInput describes money leaving a node wallet. Kind is debit unless an
// operator adjustment is recorded.
type DebitInput struct {
	NodeID      uint64                    `json:"node_id" validate:"required"`
	Amount      decimal.Decimal           `json:"amount" validate:"positive_amount,cents"`
	Kind        enums.TransactionKind     `json:"kind"`
	Category    enums.TransactionCategory `json:"category" validate:"required"`
	Description string                    `json:"description" validate:"required"`
}

// NewService wires a wallet service with the provided repository and outbox.
func NewService(repo Repository, emitter outbox.Emitter) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("wallet repository required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &service{repo: repo, outbox: emitter}, nil
}

func (s *service) Credit(ctx context.Context, tx *gorm.DB, input CreditInput) (*models.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if !input.Category.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction category").WithDetails(map[string]any{"category": input.Category})
	}

	repo := s.repo.WithTx(tx)
	node, err := repo.LockNode(ctx, input.NodeID)
	if err != nil {
		return nil, err
	}

	amount := input.Amount
	balance := node.WalletBalance.Add(amount)
	if err := repo.UpdateBalance(ctx, node.ID, balance); err != nil {
		return nil, err
	}

	nodeID := node.ID
	txn := &models.Transaction{
		OwnerID:      node.OwnerID,
		NodeID:       &nodeID,
		SourceNodeID: input.SourceNodeID,
		Tree:         input.Tree,
		Amount:       amount,
		BalanceAfter: balance,
		Kind:         enums.TransactionKindCredit,
		Category:     input.Category,
		Description:  input.Description,
	}
	if err := repo.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventWalletCredited,
		AggregateType: enums.AggregateWallet,
		AggregateID:   strconv.FormatUint(node.ID, 10),
		Actor:         &outbox.ActorRef{OwnerID: node.OwnerID, NodeID: node.ID},
		Data: payloads.WalletCreditedEvent{
			TransactionID: txn.ID,
			NodeID:        node.ID,
			OwnerID:       node.OwnerID,
			Amount:        amount,
			Category:      input.Category,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *service) Debit(ctx context.Context, tx *gorm.DB, input DebitInput) (*models.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if input.Kind == "" {
		input.Kind = enums.TransactionKindDebit
	}
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if input.Kind == enums.TransactionKindCredit || !input.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid debit kind").WithDetails(map[string]any{"kind": input.Kind})
	}

	repo := s.repo.WithTx(tx)
	node, err := repo.LockNode(ctx, input.NodeID)
	if err != nil {
		return nil, err
	}

	amount := input.Amount
	balance := node.WalletBalance.Sub(amount)
	if balance.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "insufficient wallet balance").WithDetails(map[string]any{
			"node_id":   node.ID,
			"balance":   node.WalletBalance.StringFixed(2),
			"requested": amount.StringFixed(2),
		})
	}
	if err := repo.UpdateBalance(ctx, node.ID, balance); err != nil {
		return nil, err
	}

	nodeID := node.ID
	txn := &models.Transaction{
		OwnerID:      node.OwnerID,
		NodeID:       &nodeID,
		Amount:       amount.Neg(),
		BalanceAfter: balance,
		Kind:         input.Kind,
		Category:     input.Category,
		Description:  input.Description,
	}
	if err := repo.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Balance sums the wallets of every node the owner holds.
func (s *service) Balance(ctx context.Context, ownerID uint64) (decimal.Decimal, error) {
	if ownerID == 0 {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "owner id required")
	}
	nodes, err := s.repo.ListNodesByOwner(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, node := range nodes {
		total = total.Add(node.WalletBalance)
	}
	return total, nil
}

func (s *service) NodeBalance(ctx context.Context, nodeID uint64) (decimal.Decimal, error) {
	node, err := s.repo.FindNode(ctx, nodeID)
	if err != nil {
		return decimal.Zero, err
	}
	return node.WalletBalance, nil
}
