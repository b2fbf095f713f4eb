package rollup

import (
	"fmt"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/holiman/uint256"
)

// RegisterValidator bonds stake for addr. Topping up an existing validator
// adds to its stake.
func (r *Rollup) RegisterValidator(addr common.Address, stake *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.validators[addr]; ok {
		if stake != nil {
			v.Stake.Add(v.Stake, stake)
		}
		return nil
	}
	if stake == nil || stake.Lt(r.cfg.MinValidatorStake) {
		return fmt.Errorf("%w: validator minimum %s", settleerrors.ErrDInsufficientStake, r.cfg.MinValidatorStake.Dec())
	}
	r.validators[addr] = &Validator{
		Address:      addr,
		Stake:        new(uint256.Int).Set(stake),
		Slashed:      new(uint256.Int),
		RegisteredAt: r.now(),
	}
	log.Info(log.Rollup, "Validator registered", "validator", addr.Hex(), "stake", stake.Dec())
	return nil
}

func (r *Rollup) Validator(addr common.Address) (*Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrDUnknownValidator, addr.Hex())
	}
	return v.copy(), nil
}

func (r *Rollup) Validators() []*Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Validator, 0, len(r.validators))
	for _, a := range sortedAddrs(r.validators) {
		out = append(out, r.validators[a].copy())
	}
	return out
}

// AggregateStake sums the bonded stake of every validator.
func (r *Rollup) AggregateStake() *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := new(uint256.Int)
	for _, v := range r.validators {
		total.Add(total, v.Stake)
	}
	return total
}

// slashLocked takes SlashBps of addr's stake and returns the amount. An
// unregistered submitter has nothing to slash.
func (r *Rollup) slashLocked(addr common.Address) *uint256.Int {
	v, ok := r.validators[addr]
	if !ok {
		log.Warn(log.Rollup, "Submitter has no bonded stake", "submitter", addr.Hex())
		return new(uint256.Int)
	}
	slash := new(uint256.Int).Mul(v.Stake, uint256.NewInt(r.cfg.SlashBps))
	slash.Div(slash, uint256.NewInt(bpsDenominator))
	v.Stake.Sub(v.Stake, slash)
	v.Slashed.Add(v.Slashed, slash)
	return slash
}
