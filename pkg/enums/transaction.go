package enums

import "fmt"

// TransactionKind maps to the transaction_kind enum in Postgres.
type TransactionKind string

const (
	TransactionKindCredit          TransactionKind = "credit"
	TransactionKindDebit           TransactionKind = "debit"
	TransactionKindAdminAdjustment TransactionKind = "admin_adjustment"
)

var validTransactionKinds = []TransactionKind{
	TransactionKindCredit,
	TransactionKindDebit,
	TransactionKindAdminAdjustment,
}

// IsValid reports whether the value matches the canonical transaction_kind enum.
func (k TransactionKind) IsValid() bool {
	for _, candidate := range validTransactionKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseTransactionKind converts raw input into TransactionKind.
func ParseTransactionKind(value string) (TransactionKind, error) {
	for _, candidate := range validTransactionKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction kind %q", value)
}

// TransactionCategory says which flow produced a ledger line.
type TransactionCategory string

const (
	TransactionCategoryDirectSponsor TransactionCategory = "direct_sponsor"
	TransactionCategoryProfit        TransactionCategory = "profit"
	TransactionCategorySystemFee     TransactionCategory = "system_fee"
	TransactionCategoryUpline        TransactionCategory = "upline_commission"
	TransactionCategoryWithdrawal    TransactionCategory = "withdrawal"
	TransactionCategoryAdjustment    TransactionCategory = "adjustment"
)

var validTransactionCategories = []TransactionCategory{
	TransactionCategoryDirectSponsor,
	TransactionCategoryProfit,
	TransactionCategorySystemFee,
	TransactionCategoryUpline,
	TransactionCategoryWithdrawal,
	TransactionCategoryAdjustment,
}

func (c TransactionCategory) IsValid() bool {
	for _, candidate := range validTransactionCategories {
		if candidate == c {
			return true
		}
	}
	return false
}
