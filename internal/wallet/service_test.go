package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db/dbtest"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
)

func newWalletService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := NewService(NewRepository(conn), outbox.NewService(outbox.NewRepository(conn), nil))
	require.NoError(t, err)
	return svc, conn
}

func seedNode(t *testing.T, conn *gorm.DB, owner uint64, code string, balance string) *models.Node {
	t.Helper()
	node := &models.Node{
		ReferralCode:  code,
		OwnerID:       owner,
		SelfTier:      1,
		AutoTier:      1,
		WalletBalance: decimal.RequireFromString(balance),
		Status:        enums.NodeStatusActive,
	}
	require.NoError(t, conn.Create(node).Error)
	return node
}

func TestCreditWritesBalanceLedgerAndEvent(t *testing.T) {
	svc, conn := newWalletService(t)
	ctx := context.Background()
	node := seedNode(t, conn, 10, "N1", "5.00")
	tree := enums.TreeAuto

	txn, err := svc.Credit(ctx, conn, CreditInput{
		NodeID:      node.ID,
		Amount:      decimal.RequireFromString("12.50"),
		Category:    enums.TransactionCategoryProfit,
		Tree:        &tree,
		Description: "profit tier 1",
	})
	require.NoError(t, err)
	assert.Equal(t, "12.50", txn.Amount.StringFixed(2))
	assert.Equal(t, "17.50", txn.BalanceAfter.StringFixed(2))
	assert.Equal(t, enums.TransactionKindCredit, txn.Kind)
	assert.Equal(t, uint64(10), txn.OwnerID)

	balance, err := svc.NodeBalance(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "17.50", balance.StringFixed(2))

	var events []models.OutboxEvent
	require.NoError(t, conn.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventWalletCredited, events[0].EventType)
}

func TestDebitEnforcesNonNegativeBalance(t *testing.T) {
	svc, conn := newWalletService(t)
	ctx := context.Background()
	node := seedNode(t, conn, 10, "N1", "20.00")

	_, err := svc.Debit(ctx, conn, DebitInput{
		NodeID:      node.ID,
		Amount:      decimal.RequireFromString("20.01"),
		Category:    enums.TransactionCategoryWithdrawal,
		Description: "withdrawal",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientFunds))

	txn, err := svc.Debit(ctx, conn, DebitInput{
		NodeID:      node.ID,
		Amount:      decimal.RequireFromString("20"),
		Category:    enums.TransactionCategoryWithdrawal,
		Description: "withdrawal",
	})
	require.NoError(t, err)
	assert.Equal(t, "-20.00", txn.Amount.StringFixed(2))
	assert.True(t, txn.BalanceAfter.IsZero())
	assert.Equal(t, enums.TransactionKindDebit, txn.Kind)

	var count int64
	require.NoError(t, conn.Model(&models.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "failed debit leaves no ledger line")
}

func TestCreditAndDebitValidateInput(t *testing.T) {
	svc, conn := newWalletService(t)
	ctx := context.Background()
	node := seedNode(t, conn, 10, "N1", "0")

	_, err := svc.Credit(ctx, conn, CreditInput{NodeID: node.ID, Amount: decimal.Zero, Category: enums.TransactionCategoryProfit, Description: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.Debit(ctx, conn, DebitInput{NodeID: node.ID, Amount: decimal.NewFromInt(-1), Category: enums.TransactionCategoryWithdrawal, Description: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.Debit(ctx, conn, DebitInput{NodeID: node.ID, Amount: decimal.NewFromInt(1), Kind: enums.TransactionKindCredit, Category: enums.TransactionCategoryAdjustment, Description: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.Credit(ctx, conn, CreditInput{NodeID: node.ID, Amount: decimal.RequireFromString("10.005"), Category: enums.TransactionCategorySystemFee, Description: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "sub-cent credits are rejected, not rounded")

	_, err = svc.Debit(ctx, conn, DebitInput{NodeID: node.ID, Amount: decimal.RequireFromString("0.001"), Category: enums.TransactionCategoryWithdrawal, Description: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	var count int64
	require.NoError(t, conn.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)

	_, err = svc.Credit(ctx, conn, CreditInput{NodeID: 999, Amount: decimal.NewFromInt(1), Category: enums.TransactionCategoryProfit, Description: "x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestBalanceSumsOwnerNodes(t *testing.T) {
	svc, conn := newWalletService(t)
	seedNode(t, conn, 10, "N1", "5.25")
	seedNode(t, conn, 10, "N2", "4.75")
	seedNode(t, conn, 11, "N3", "100")

	total, err := svc.Balance(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "10.00", total.StringFixed(2))

	_, err = svc.Balance(context.Background(), 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
}
