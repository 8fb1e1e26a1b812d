// Package economy implements the wallet ledger served by alice.
//
// Koi is the issuer: it starts with the whole supply, funds interest
// and collects fees. Incoming transfers to ordinary wallets are split
// into a spendable third and a locked two thirds that vests over time.
// The Millionaire wallet is a contract that pays a lottery prize to one
// of its contributors once its balance passes a threshold.
package economy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/eltadmin/alice/internal/clock"
)

const (
	// Rate is the base yearly interest rate, about 37.04%. With the
	// 10% emission it nets out to 33.33%.
	Rate = 10.0 / 27.0
	// VestingRate is the yearly rate at which locked funds vest.
	VestingRate    = Rate * 10.0
	SecondsPerYear = 365.25 * 24.0 * 3600.0
	TotalSupply    = 1_000_000_000.0

	GiftAlice = 10_000_000.0 // 1% of supply
	GiftRest  = 90_000_000.0 // 9%, split randomly among the other wallets

	KoiIndex             = 0
	MillionaireIndex     = 6
	MillionairePayout    = 1_000_000.0
	MillionaireThreshold = 1_001_001.0
)

var namedWallets = []string{"Koi", "Alice", "Bob", "Carol", "Dan", "Eve", "Millionaire"}

var (
	ErrKoiCannotSettle     = errors.New("koi cannot settle")
	ErrNegativeAmount      = errors.New("amount must be non-negative")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrExceedsAvailable    = errors.New("exceeds available")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownWallet       = errors.New("unknown wallet")
)

// Wallet is one account in the ledger. T is the last settlement time in
// Unix seconds.
type Wallet struct {
	Name     string  `json:"name" cbor:"name"`
	Contract bool    `json:"contract" cbor:"contract"`
	Locked   float64 `json:"locked" cbor:"locked"`
	Vested   float64 `json:"vested" cbor:"vested"`
	Balance  float64 `json:"balance" cbor:"balance"`
	Sent     float64 `json:"sent" cbor:"sent"`
	T        float64 `json:"t" cbor:"t"`
}

// Transaction is a committed transfer. A transfer from a wallet to
// itself records an early settlement.
type Transaction struct {
	From   string  `json:"from" cbor:"from"`
	To     string  `json:"to" cbor:"to"`
	Amount float64 `json:"amount" cbor:"amount"`
	Fee    float64 `json:"fee" cbor:"fee"`
	T      float64 `json:"t" cbor:"t"`
}

// Snapshot is a consistent copy of the ledger plus the constants a
// client needs to project balances forward in time.
type Snapshot struct {
	Wallets []Wallet      `json:"wallets" cbor:"wallets"`
	Log     []Transaction `json:"log" cbor:"log"`
	Rate    float64       `json:"rate" cbor:"rate"`
	PRate   float64       `json:"prate" cbor:"prate"`
	SPY     float64       `json:"spy" cbor:"spy"`
	Supply  float64       `json:"supply" cbor:"supply"`
	K0      float64       `json:"k0" cbor:"k0"`
	T       float64       `json:"t" cbor:"t"`
}

// Recorder receives every committed transaction. Record is called with
// the ledger locked and must not block.
type Recorder interface {
	Record(tx Transaction)
}

// Config configures an Economy.
type Config struct {
	Wallets  int
	LogLimit int    // most recent transactions kept in memory; 0 keeps all
	Seed     uint64 // 0 picks a random seed
	Clock    clock.Clock
	Recorder Recorder
	Logger   *slog.Logger
}

// Economy is the ledger. All methods are safe for concurrent use.
type Economy struct {
	clock    clock.Clock
	recorder Recorder
	logger   *slog.Logger
	hub      *Hub
	logLimit int

	mu            sync.Mutex
	wallets       []Wallet
	index         map[string]int
	log           []Transaction
	contributions []float64
	rng           *rand.Rand
}

// New creates the wallets and distributes the initial gifts from Koi.
// It panics if cfg.Wallets cannot hold the named wallets plus two
// anonymous ones.
func New(cfg Config) *Economy {
	n := cfg.Wallets
	if n < len(namedWallets)+2 {
		panic(fmt.Sprintf("economy: need at least %d wallets, got %d", len(namedWallets)+2, n))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	e := &Economy{
		clock:         cfg.Clock,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
		hub:           NewHub(),
		logLimit:      cfg.LogLimit,
		wallets:       make([]Wallet, n),
		index:         make(map[string]int, n),
		contributions: make([]float64, n),
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}

	t := e.now()
	for i := range e.wallets {
		name := fmt.Sprintf("W%05d", i)
		if i < len(namedWallets) {
			name = namedWallets[i]
		}
		e.wallets[i] = Wallet{Name: name, Contract: i == MillionaireIndex, T: t}
		e.index[name] = i
	}
	e.wallets[KoiIndex].Balance = TotalSupply

	gifts := make([]float64, n)
	gifts[1] = GiftAlice
	weights := make([]float64, n)
	var sum float64
	for i := 2; i < n; i++ {
		if !e.wallets[i].Contract {
			weights[i] = e.rng.Float64()
			sum += weights[i]
		}
	}
	for i := 2; i < n; i++ {
		gifts[i] = GiftRest * weights[i] / sum
	}

	for i := 1; i < n; i++ {
		if e.wallets[i].Contract {
			continue
		}
		if err := e.send(KoiIndex, i, gifts[i]); err != nil {
			e.logger.Debug("initial gift skipped", "wallet", e.wallets[i].Name, "error", err)
		}
	}
	return e
}

func (e *Economy) now() float64 {
	return float64(e.clock.Now().UnixNano()) / float64(time.Second)
}

// Subscribe returns a channel that is signalled after every change to
// the ledger. Signals coalesce; call cancel to unsubscribe.
func (e *Economy) Subscribe() (<-chan struct{}, func()) {
	return e.hub.Subscribe()
}

// Send transfers amount between two wallets by name and then checks
// whether the Millionaire pays out.
func (e *Economy) Send(from, to string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fi, ok := e.index[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, from)
	}
	ti, ok := e.index[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, to)
	}
	if err := e.send(fi, ti, amount); err != nil {
		return err
	}
	e.checkMillionaire()
	return nil
}

// Snapshot returns a copy of the ledger.
func (e *Economy) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		Wallets: append([]Wallet(nil), e.wallets...),
		Log:     append([]Transaction(nil), e.log...),
		Rate:    Rate,
		PRate:   VestingRate,
		SPY:     SecondsPerYear,
		Supply:  TotalSupply,
		K0:      TotalSupply - GiftAlice - GiftRest,
		T:       e.now(),
	}
}

// settle accrues interest and vesting for wallet i up to now. Koi and
// contracts do not accrue. Interest is paid by Koi.
func (e *Economy) settle(i int) {
	if i == KoiIndex || e.wallets[i].Contract {
		return
	}
	t := e.now()
	w := &e.wallets[i]
	koi := &e.wallets[KoiIndex]
	dt := (t - w.T) / SecondsPerYear

	vested := math.Min(w.Locked*(math.Exp(VestingRate*dt)-1), w.Locked)
	erate := Rate * math.Max(koi.Balance, 0) / TotalSupply
	interest := (w.Balance + w.Vested + vested) * (math.Exp(erate*dt) - 1)

	w.Balance += interest
	w.Vested += vested
	w.Locked -= vested
	w.T = t
	koi.Balance -= interest
}

// earlySettle claims all vested funds and, when amount > 0, releases
// amount from locked at a one-third penalty paid to Koi.
func (e *Economy) earlySettle(i int, amount float64) error {
	if i == KoiIndex {
		return ErrKoiCannotSettle
	}
	if amount < 0 {
		return ErrNegativeAmount
	}

	e.settle(i)
	w := &e.wallets[i]

	if amount > 0 && amount > 3*w.Locked/4 {
		return ErrExceedsAvailable
	}

	claimed := w.Vested
	w.Balance += claimed
	w.Vested = 0

	var fee float64
	if amount > 0 {
		fee = amount / 3
		w.Balance += amount
		w.Locked -= amount + fee
		e.wallets[KoiIndex].Balance += fee
	}

	if total := claimed + amount; total > 0 {
		e.append(Transaction{From: w.Name, To: w.Name, Amount: total, Fee: fee, T: e.now()})
	}
	e.hub.Notify()
	return nil
}

func (e *Economy) send(from, to int, amount float64) error {
	if from == to {
		return e.earlySettle(from, amount)
	}
	if !(amount > 0) {
		return ErrNonPositiveAmount
	}

	e.settle(from)
	src := &e.wallets[from]
	if src.Balance < amount {
		return ErrInsufficientBalance
	}
	src.Balance -= amount
	src.Sent += amount

	// Wallet-to-wallet transfers pay 0.1% to Koi, charged against
	// locked, then vested, then what is left of the balance. Any
	// shortfall comes out of the transfer itself.
	sendAmount := amount
	var fee float64
	if from != KoiIndex && to != KoiIndex {
		fee = amount / 1000
		rem := fee

		fromLocked := math.Min(rem, src.Locked)
		src.Locked -= fromLocked
		rem -= fromLocked

		fromVested := math.Min(rem, src.Vested)
		src.Vested -= fromVested
		rem -= fromVested

		fromBalance := math.Min(rem, src.Balance)
		src.Balance -= fromBalance
		rem -= fromBalance

		sendAmount -= rem
		e.wallets[KoiIndex].Balance += fee
	}

	if to == MillionaireIndex {
		e.contributions[from] += sendAmount
	}

	e.settle(to)
	dst := &e.wallets[to]
	if to == KoiIndex || dst.Contract {
		dst.Balance += sendAmount
	} else {
		dst.Balance += sendAmount / 3
		dst.Locked += 2 * sendAmount / 3
	}

	e.append(Transaction{From: src.Name, To: dst.Name, Amount: sendAmount, Fee: fee, T: e.now()})
	e.hub.Notify()
	return nil
}

// checkMillionaire pays the lottery prize once the contract's balance
// passes the threshold. The winner is drawn with probability
// proportional to its contributions, which are then reset.
func (e *Economy) checkMillionaire() {
	if e.wallets[MillionaireIndex].Balance <= MillionaireThreshold {
		return
	}

	var total float64
	for _, c := range e.contributions {
		if c > 0 {
			total += c
		}
	}
	if total == 0 {
		return
	}

	winner := -1
	x := e.rng.Float64() * total
	for i, c := range e.contributions {
		if c <= 0 {
			continue
		}
		winner = i
		if x < c {
			break
		}
		x -= c
	}

	if err := e.send(MillionaireIndex, winner, MillionairePayout); err != nil {
		e.logger.Warn("millionaire payout failed", "winner", e.wallets[winner].Name, "error", err)
	} else {
		e.logger.Info("millionaire paid out", "winner", e.wallets[winner].Name, "amount", MillionairePayout)
	}
	clear(e.contributions)
}

func (e *Economy) append(tx Transaction) {
	e.log = append(e.log, tx)
	if e.logLimit > 0 && len(e.log) > e.logLimit {
		e.log = append(e.log[:0], e.log[len(e.log)-e.logLimit:]...)
	}
	if e.recorder != nil {
		e.recorder.Record(tx)
	}
}
