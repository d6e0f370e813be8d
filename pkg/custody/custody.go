// The custody package implements the value-custody primitive pair the
// transfer protocol is built on: Capture removes value from circulation on
// this subnet and Release reintroduces it. Deployments choose between the
// lock-vault variant (funds are escrowed in a vault account) and the
// burn-mint variant (funds are destroyed and re-created).
package custody

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/subnetlink/node/pkg/gmp"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAmount          = errors.New("amount must be non-zero")
)

// Strategy is the capture/release pair injected into the transfer protocol.
// Both operations are atomic: on error no balance has changed. Neither
// operation ever silently no-ops.
type Strategy interface {
	// Capture removes amount from holder's circulating balance.
	Capture(holder gmp.Address, amount *uint256.Int) error
	// Release reintroduces amount to beneficiary. It reverses an earlier
	// Capture of the same amount.
	Release(beneficiary gmp.Address, amount *uint256.Int) error
}

// TokenBook is an in-memory balance table for the underlying asset on one
// subnet. It stands in for the token contract a deployed instance would
// custody against.
type TokenBook struct {
	mu       sync.Mutex
	balances map[gmp.Address]*uint256.Int
	supply   *uint256.Int
}

func NewTokenBook() *TokenBook {
	return &TokenBook{
		balances: make(map[gmp.Address]*uint256.Int),
		supply:   uint256.NewInt(0),
	}
}

// Mint credits amount to holder, increasing total supply.
func (b *TokenBook) Mint(holder gmp.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(holder, amount)
	b.supply.Add(b.supply, amount)
}

// BalanceOf returns a copy of holder's balance.
func (b *TokenBook) BalanceOf(holder gmp.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[holder]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

// TotalSupply returns a copy of the circulating supply.
func (b *TokenBook) TotalSupply() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supply.Clone()
}

// Transfer moves amount from one holder to another. Fails loudly on
// insufficient balance.
func (b *TokenBook) Transfer(from, to gmp.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, amount); err != nil {
		return err
	}
	b.credit(to, amount)
	return nil
}

// Burn destroys amount of holder's balance, decreasing total supply.
func (b *TokenBook) Burn(holder gmp.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(holder, amount); err != nil {
		return err
	}
	b.supply.Sub(b.supply, amount)
	return nil
}

func (b *TokenBook) credit(holder gmp.Address, amount *uint256.Int) {
	if bal, ok := b.balances[holder]; ok {
		bal.Add(bal, amount)
		return
	}
	b.balances[holder] = amount.Clone()
}

func (b *TokenBook) debit(holder gmp.Address, amount *uint256.Int) error {
	bal, ok := b.balances[holder]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("%w: holder %s has %s, needs %s", ErrInsufficientBalance, holder, b.balanceOrZero(holder), amount)
	}
	bal.Sub(bal, amount)
	return nil
}

func (b *TokenBook) balanceOrZero(holder gmp.Address) *uint256.Int {
	if bal, ok := b.balances[holder]; ok {
		return bal
	}
	return uint256.NewInt(0)
}

// LockVault escrows captured funds in a vault account. The vault balance
// always equals the sum of un-reversed captures, so Release can never
// over-draw it when the protocol's ledger invariants hold.
type LockVault struct {
	book  *TokenBook
	vault gmp.Address
}

func NewLockVault(book *TokenBook, vault gmp.Address) *LockVault {
	return &LockVault{book: book, vault: vault}
}

func (v *LockVault) Capture(holder gmp.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := v.book.Transfer(holder, v.vault, amount); err != nil {
		return fmt.Errorf("failed to lock funds: %w", err)
	}
	return nil
}

func (v *LockVault) Release(beneficiary gmp.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := v.book.Transfer(v.vault, beneficiary, amount); err != nil {
		return fmt.Errorf("failed to unlock funds: %w", err)
	}
	return nil
}

// VaultBalance returns the escrowed total.
func (v *LockVault) VaultBalance() *uint256.Int {
	return v.book.BalanceOf(v.vault)
}

// BurnMint destroys captured funds and mints released ones.
type BurnMint struct {
	book *TokenBook
}

func NewBurnMint(book *TokenBook) *BurnMint {
	return &BurnMint{book: book}
}

func (m *BurnMint) Capture(holder gmp.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := m.book.Burn(holder, amount); err != nil {
		return fmt.Errorf("failed to burn funds: %w", err)
	}
	return nil
}

func (m *BurnMint) Release(beneficiary gmp.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	m.book.Mint(beneficiary, amount)
	return nil
}
