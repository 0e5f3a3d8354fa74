package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bcai-network/bcai-go/pkg/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientStake   = errors.New("insufficient stake")
	ErrUnknownJob          = errors.New("unknown job")
	ErrJobExists           = errors.New("job already open")
)

// EscrowAccount holds reserved job rewards until settlement
const EscrowAccount = "escrow"

// jobAccount tracks per-job resource consumption and reward state
type jobAccount struct {
	owner            string
	baseReward       uint64
	gasBudget        uint64
	roundsConfigured int
	chargedRounds    map[int]bool
	okByWorker       map[string]uint64
	gasTotal         uint64
	settled          bool
	settledAmount    uint64
}

// Ledger tracks token balances, stakes, and per-job gas consumption,
// and computes reward payouts at job termination. All operations are
// idempotent with respect to repeated (job_id, round_index) charges
// and repeated settlement.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]uint64
	stakes   map[string]uint64
	jobs     map[string]*jobAccount
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		balances: make(map[string]uint64),
		stakes:   make(map[string]uint64),
		jobs:     make(map[string]*jobAccount),
	}
}

// Balance returns the free token balance for an account
func (l *Ledger) Balance(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Staked returns the staked token balance for an account
func (l *Ledger) Staked(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stakes[account]
}

// Mint creates new tokens in an account
func (l *Ledger) Mint(account string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Transfer moves tokens between accounts
func (l *Ledger) Transfer(from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount)
}

func (l *Ledger) transferLocked(from, to string, amount uint64) error {
	if l.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientBalance)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Stake moves tokens from an account's balance into its stake
func (l *Ledger) Stake(account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account] < amount {
		return fmt.Errorf("stake %d for %s: %w", amount, account, ErrInsufficientBalance)
	}
	l.balances[account] -= amount
	l.stakes[account] += amount
	return nil
}

// Unstake moves staked tokens back into an account's balance
func (l *Ledger) Unstake(account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stakes[account] < amount {
		return fmt.Errorf("unstake %d for %s: %w", amount, account, ErrInsufficientStake)
	}
	l.stakes[account] -= amount
	l.balances[account] += amount
	return nil
}

// OpenJob reserves the job's reward budget in escrow and starts gas
// accounting. The owner must hold at least the base reward.
func (l *Ledger) OpenJob(jobID, owner string, baseReward, gasBudget uint64, roundsConfigured int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.jobs[jobID]; exists {
		return fmt.Errorf("job %s: %w", jobID, ErrJobExists)
	}
	if err := l.transferLocked(owner, EscrowAccount, baseReward); err != nil {
		return err
	}
	l.jobs[jobID] = &jobAccount{
		owner:            owner,
		baseReward:       baseReward,
		gasBudget:        gasBudget,
		roundsConfigured: roundsConfigured,
		chargedRounds:    make(map[int]bool),
		okByWorker:       make(map[string]uint64),
	}
	return nil
}

// Charge records a round's resource consumption. Idempotent per round
// index: re-charging the same round is a no-op, guarding against retry
// duplication.
func (l *Ledger) Charge(jobID string, rec models.RoundRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.jobs[jobID]
	if !ok {
		return fmt.Errorf("charge job %s: %w", jobID, ErrUnknownJob)
	}
	if acct.settled {
		return fmt.Errorf("charge job %s: already settled", jobID)
	}
	if acct.chargedRounds[rec.Index] {
		return nil
	}
	acct.chargedRounds[rec.Index] = true
	acct.gasTotal += rec.GasUsed
	for workerID, status := range rec.Statuses {
		if status == models.UpdateStatusOK {
			acct.okByWorker[workerID]++
		}
	}
	return nil
}

// GasConsumed returns the total gas charged to a job so far
func (l *Ledger) GasConsumed(jobID string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	return acct.gasTotal, nil
}

// Settle computes the job's reward once at termination:
//
//	reward = base_reward * completion_fraction - resource_penalty
//
// where completion_fraction is rounds charged over rounds configured
// (a zero-round job settles at full fraction) and resource_penalty is
// one token per gas unit consumed beyond the declared budget. Never
// negative; floors at zero. The reward is paid out of escrow to the
// workers that contributed ok updates, proportional to contribution,
// and the unspent remainder is refunded to the owner. Idempotent:
// repeated calls return the first settlement amount.
func (l *Ledger) Settle(jobID string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("settle job %s: %w", jobID, ErrUnknownJob)
	}
	if acct.settled {
		return acct.settledAmount, nil
	}

	reward := acct.baseReward
	if acct.roundsConfigured > 0 {
		reward = acct.baseReward * uint64(len(acct.chargedRounds)) / uint64(acct.roundsConfigured)
	}
	if acct.gasTotal > acct.gasBudget {
		penalty := acct.gasTotal - acct.gasBudget
		if penalty >= reward {
			reward = 0
		} else {
			reward -= penalty
		}
	}

	paid := l.payoutLocked(acct, reward)
	if refund := acct.baseReward - paid; refund > 0 {
		// transfer from escrow cannot fail: the full base reward was reserved
		l.transferLocked(EscrowAccount, acct.owner, refund)
	}

	acct.settled = true
	acct.settledAmount = reward
	return reward, nil
}

// payoutLocked splits the reward across contributing workers in
// proportion to their ok-update counts. Division dust stays with the
// owner's refund. Returns the amount actually paid.
func (l *Ledger) payoutLocked(acct *jobAccount, reward uint64) uint64 {
	var totalOK uint64
	for _, n := range acct.okByWorker {
		totalOK += n
	}
	if reward == 0 || totalOK == 0 {
		return 0
	}
	var paid uint64
	for workerID, n := range acct.okByWorker {
		share := reward * n / totalOK
		if share == 0 {
			continue
		}
		l.transferLocked(EscrowAccount, workerID, share)
		paid += share
	}
	return paid
}
