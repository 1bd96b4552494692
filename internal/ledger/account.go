package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet      AccountSubType = iota // free balance, not tied to a market
	SubTypeMargin                            // mirrors position.margin
	SubTypeOrderEscrow                       // commit + keeper deposits of the pending order

	// Market sub-types
	SubTypeSettlement // counterparty for realized PnL and funding

	// System sub-types
	SubTypeFeeSink
	SubTypeFeedProvider

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking. Market is empty for
// wallets, system and external accounts.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address
	Market  string
	SubType AccountSubType
}

// WalletKey is an account's free balance.
func WalletKey(owner common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, SubType: SubTypeWallet}
}

// MarginKey is an account's margin in one market.
func MarginKey(owner common.Address, market string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, Market: market, SubType: SubTypeMargin}
}

// EscrowKey holds the deposits of an account's pending order in one market.
func EscrowKey(owner common.Address, market string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, Market: market, SubType: SubTypeOrderEscrow}
}

// SettlementKey is the market's PnL and funding counterparty.
func SettlementKey(market string) AccountKey {
	return AccountKey{Scope: AccountScopeMarket, Market: market, SubType: SubTypeSettlement}
}

// FeeSinkKey receives exchange fees, liquidation remainders and forfeited
// deposits.
func FeeSinkKey() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeFeeSink}
}

// FeedProviderKey receives off-chain price relay fees.
func FeedProviderKey() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeFeedProvider}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// IsUser is true for accounts that must never go negative.
func (k AccountKey) IsUser() bool {
	return k.Scope == AccountScopeUser
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		if k.Market == "" {
			return fmt.Sprintf("user:%s:%s", k.Owner.Hex(), k.subTypeName())
		}
		return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), k.Market, k.subTypeName())
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", k.Market, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeMargin:
		return "margin"
	case SubTypeOrderEscrow:
		return "order_escrow"
	case SubTypeSettlement:
		return "settlement"
	case SubTypeFeeSink:
		return "fees"
	case SubTypeFeedProvider:
		return "feed_provider"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
