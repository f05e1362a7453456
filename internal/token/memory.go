package token

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Op names a Fungible method, used to inject failures.
type Op string

const (
	OpPull Op = "pull"
	OpPush Op = "push"
	OpMint Op = "mint"
)

// MemoryToken is an in-process token ledger with one custody account.
type MemoryToken struct {
	mu       sync.Mutex
	custody  common.Address
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
	failing  map[Op]bool
}

func NewMemoryToken(custody common.Address) *MemoryToken {
	return &MemoryToken{
		custody:  custody,
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
		failing:  make(map[Op]bool),
	}
}

// Fund credits amount to account out of thin air, for test setup and
// genesis allocations.
func (t *MemoryToken) Fund(account common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(account, amount)
	t.supply.Add(t.supply, amount)
}

// SetFailing makes every subsequent call of op return false.
func (t *MemoryToken) SetFailing(op Op, failing bool) {
	t.mu.Lock()
	t.failing[op] = failing
	t.mu.Unlock()
}

func (t *MemoryToken) BalanceOf(account common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance(account)
}

func (t *MemoryToken) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.supply)
}

func (t *MemoryToken) Pull(from common.Address, amount *uint256.Int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing[OpPull] {
		return false
	}
	return t.move(from, t.custody, amount)
}

func (t *MemoryToken) Push(to common.Address, amount *uint256.Int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing[OpPush] {
		return false
	}
	return t.move(t.custody, to, amount)
}

func (t *MemoryToken) Mint(to common.Address, amount *uint256.Int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing[OpMint] {
		return false
	}
	if _, overflow := new(uint256.Int).AddOverflow(t.supply, amount); overflow {
		return false
	}
	t.credit(to, amount)
	t.supply.Add(t.supply, amount)
	return true
}

// Burn destroys amount from custody. Burning more than custody holds clamps
// to the custody balance; the engine never does that.
func (t *MemoryToken) Burn(amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.balance(t.custody)
	burn := new(uint256.Int).Set(amount)
	if held.Lt(burn) {
		burn.Set(held)
	}
	t.balances[t.custody] = held.Sub(held, burn)
	t.supply.Sub(t.supply, burn)
}

func (t *MemoryToken) balance(account common.Address) *uint256.Int {
	if b, ok := t.balances[account]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (t *MemoryToken) credit(account common.Address, amount *uint256.Int) {
	b := t.balance(account)
	t.balances[account] = b.Add(b, amount)
}

func (t *MemoryToken) move(from, to common.Address, amount *uint256.Int) bool {
	src := t.balance(from)
	if src.Lt(amount) {
		return false
	}
	t.balances[from] = src.Sub(src, amount)
	t.credit(to, amount)
	return true
}
