package ledger_test

import (
	"errors"
	"testing"

	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	keeper = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

func dec(s string) fpmath.Decimal { return fpmath.MustParse(s) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	tests := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.WalletKey(alice), "user:" + alice.Hex() + ":wallet"},
		{ledger.MarginKey(alice, "ETH-PERP"), "user:" + alice.Hex() + ":ETH-PERP:margin"},
		{ledger.SettlementKey("ETH-PERP"), "market:ETH-PERP:settlement"},
		{ledger.FeeSinkKey(), "system:fees"},
		{ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits), "external:deposits"},
	}
	for _, tt := range tests {
		if got := tt.key.AccountPath(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestAccountKey_UserScope(t *testing.T) {
	if !ledger.EscrowKey(alice, "ETH-PERP").IsUser() {
		t.Error("escrow should be a user account")
	}
	if ledger.FeeSinkKey().IsUser() {
		t.Error("fee sink should not be a user account")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_DeterministicIDs(t *testing.T) {
	a := ledger.NewBatch("evt-1", 1, 100)
	b := ledger.NewBatch("evt-1", 1, 100)
	a.Transfer(ledger.WalletKey(alice), ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits), dec("5"), ledger.JournalTypeWalletDeposit)
	b.Transfer(ledger.WalletKey(alice), ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits), dec("5"), ledger.JournalTypeWalletDeposit)

	if a.BatchID != b.BatchID {
		t.Errorf("batch ids differ: %s vs %s", a.BatchID, b.BatchID)
	}
	if a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("journal ids should be derived deterministically")
	}
	if c := ledger.NewBatch("evt-2", 1, 100); c.BatchID == a.BatchID {
		t.Error("different event refs must give different batch ids")
	}
}

func TestBatch_TransferSkipsZeroAndSwapsNegative(t *testing.T) {
	b := ledger.NewBatch("evt", 1, 100)
	wallet := ledger.WalletKey(alice)
	margin := ledger.MarginKey(alice, "ETH-PERP")

	b.Transfer(margin, wallet, fpmath.Zero(), ledger.JournalTypeMarginDeposit)
	if !b.IsEmpty() {
		t.Fatal("zero transfer should be skipped")
	}

	b.Transfer(margin, wallet, dec("-3"), ledger.JournalTypeMarginDeposit)
	j := b.Journals[0]
	if j.DebitAccount != wallet || j.CreditAccount != margin {
		t.Error("negative amount should swap debit and credit")
	}
	if !j.Amount.Equal(dec("3")) {
		t.Errorf("amount: got %s, want 3", j.Amount)
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	b := ledger.NewBatch("evt", 1, 100)
	b.Transfer(ledger.WalletKey(alice), ledger.WalletKey(alice), dec("1"), ledger.JournalTypeWalletDeposit)
	if err := b.Validate(); err == nil {
		t.Error("expected error for self-transfer")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	b := ledger.NewBatch("evt", 1, 100)
	b.Transfer(ledger.WalletKey(alice), ledger.FeeSinkKey(), dec("1"), ledger.JournalTypeWalletDeposit)
	b.Journals[0].BatchID = ledger.NewBatch("other", 1, 100).BatchID
	if err := b.Validate(); err == nil {
		t.Error("expected error for mismatched batch id")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.Wallet(alice).IsZero() {
		t.Errorf("initial balance should be 0, got %s", bt.Wallet(alice))
	}
}

func TestBalanceTracker_RejectsNegativeUserBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := ledger.NewBatch("evt", 1, 100)
	b.Transfer(ledger.MarginKey(alice, "ETH-PERP"), ledger.WalletKey(alice), dec("10"), ledger.JournalTypeMarginDeposit)

	err := bt.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if len(bt.Snapshot()) != 0 {
		t.Error("rejected batch must not change balances")
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	b := ledger.NewBatch("deposit", 1, 100)
	gen.WalletDeposit(b, alice, dec("1000"))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	b = ledger.NewBatch("margin", 2, 101)
	if err := gen.MarginTransfer(b, alice, "ETH-PERP", dec("400")); err != nil {
		t.Fatalf("margin: %v", err)
	}
	gen.TradeFee(b, alice, "ETH-PERP", dec("1.5"))
	gen.Settle(b, alice, "ETH-PERP", ledger.Settlement{PnL: dec("-20"), Funding: dec("0.25")})
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidateMarginMirror(alice, "ETH-PERP", dec("378.25")); err != nil {
		t.Errorf("margin mirror: %v", err)
	}
	if got := bt.GetBalance(ledger.SettlementKey("ETH-PERP")); !got.Equal(dec("20.25")) {
		t.Errorf("settlement: got %s, want 20.25", got)
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	b := ledger.NewBatch("deposit", 1, 100)
	gen.WalletDeposit(b, alice, dec("7"))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if string(restored.AppendCanonical(nil)) != string(bt.AppendCanonical(nil)) {
		t.Error("restored tracker differs from original")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_WithdrawalPrecheck(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	err := gen.WalletWithdrawal(ledger.NewBatch("w", 1, 100), alice, dec("1"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestGenerator_OrderDepositsFlow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	b := ledger.NewBatch("setup", 1, 100)
	gen.WalletDeposit(b, alice, dec("100"))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("setup: %v", err)
	}
	b = ledger.NewBatch("margin", 2, 100)
	if err := gen.MarginTransfer(b, alice, "ETH-PERP", dec("100")); err != nil {
		t.Fatalf("margin: %v", err)
	}
	gen.EscrowOrder(b, alice, "ETH-PERP", dec("3"))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("escrow: %v", err)
	}

	b = ledger.NewBatch("execute", 3, 110)
	gen.RefundOrder(b, alice, "ETH-PERP", dec("1"))
	gen.PayKeeper(b, alice, "ETH-PERP", keeper, dec("2"))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := bt.Wallet(keeper); !got.Equal(dec("2")) {
		t.Errorf("keeper wallet: got %s, want 2", got)
	}
	if got := bt.GetBalance(ledger.EscrowKey(alice, "ETH-PERP")); !got.IsZero() {
		t.Errorf("escrow: got %s, want 0", got)
	}
	if got := bt.GetBalance(ledger.MarginKey(alice, "ETH-PERP")); !got.Equal(dec("98")) {
		t.Errorf("margin: got %s, want 98", got)
	}
}

func TestGenerator_RelayFeeSplitsExcess(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	b := ledger.NewBatch("relay", 1, 100)
	gen.RelayFee(b, keeper, dec("0.01"), dec("0.49"))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("relay: %v", err)
	}

	if got := bt.GetBalance(ledger.FeedProviderKey()); !got.Equal(dec("0.01")) {
		t.Errorf("provider: got %s, want 0.01", got)
	}
	if got := bt.Wallet(keeper); !got.Equal(dec("0.49")) {
		t.Errorf("relayer wallet: got %s, want 0.49", got)
	}
}
