package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

const (
	MinGasLimit = 21_000
	MaxGasLimit = 15_000_000
)

// ValidatorKind enumerates the checks a transaction passes before execution.
type ValidatorKind uint8

const (
	ValidateSignature ValidatorKind = iota
	ValidateNonce
	ValidateBalance
	ValidateGasLimit
)

var validatorNames = map[ValidatorKind]string{
	ValidateSignature: "signature",
	ValidateNonce:     "nonce",
	ValidateBalance:   "balance",
	ValidateGasLimit:  "gas_limit",
}

func (k ValidatorKind) String() string {
	if name, ok := validatorNames[k]; ok {
		return name
	}
	return fmt.Sprintf("validator(%d)", uint8(k))
}

// stateless kinds depend only on the transaction itself.
func (k ValidatorKind) stateless() bool {
	return k == ValidateSignature || k == ValidateGasLimit
}

func ParseValidatorKind(s string) (ValidatorKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range validatorNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", settleerrors.ErrVUnknownValidator, s)
}

func ParseValidators(names []string) ([]ValidatorKind, error) {
	kinds := make([]ValidatorKind, 0, len(names))
	for _, n := range names {
		k, err := ParseValidatorKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func DefaultValidators() []ValidatorKind {
	return []ValidatorKind{ValidateSignature, ValidateNonce, ValidateBalance, ValidateGasLimit}
}

// StateView is the read surface validators need. *statedb.L2State satisfies it.
type StateView interface {
	Nonce(addr common.Address) uint64
	Balance(addr common.Address, token types.TokenType) *uint256.Int
}

type cacheKey struct {
	id    string
	nonce uint64
}

// Validator runs the configured pipeline. Verdicts of the stateless kinds
// are cached per (tx id, nonce); state-dependent kinds always run against the
// view they are given.
type Validator struct {
	kinds       []ValidatorKind
	ledger      services.BalanceLedger
	concurrency int
	cache       *expirable.LRU[cacheKey, error]
}

func NewValidator(kinds []ValidatorKind, ledger services.BalanceLedger, concurrency int, cacheSize int, ttl time.Duration) *Validator {
	if concurrency <= 0 {
		concurrency = 1
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Validator{
		kinds:       kinds,
		ledger:      ledger,
		concurrency: concurrency,
		cache:       expirable.NewLRU[cacheKey, error](cacheSize, nil, ttl),
	}
}

func (v *Validator) Kinds() []ValidatorKind {
	return append([]ValidatorKind(nil), v.kinds...)
}

// Check runs every validator in order and returns the first failure.
func (v *Validator) Check(ctx context.Context, view StateView, tx *types.Transaction) error {
	key := cacheKey{tx.ID(), tx.Nonce}
	verdict, hit := v.cache.Get(key)
	if hit && verdict != nil {
		return verdict
	}
	for _, k := range v.kinds {
		if hit && k.stateless() {
			continue
		}
		if err := v.run(ctx, k, view, tx); err != nil {
			if k.stateless() {
				v.cache.Add(key, err)
			}
			return err
		}
	}
	if !hit {
		v.cache.Add(key, nil)
	}
	return nil
}

func (v *Validator) run(ctx context.Context, kind ValidatorKind, view StateView, tx *types.Transaction) error {
	switch kind {
	case ValidateSignature:
		if len(tx.Signature) == 0 {
			return settleerrors.ErrVMissingSignature
		}
		signer, err := tx.RecoverSender()
		if err != nil {
			return fmt.Errorf("%w: %v", settleerrors.ErrVBadSignature, err)
		}
		if signer != tx.Sender {
			return fmt.Errorf("%w: recovered %s", settleerrors.ErrVBadSignature, signer.Hex())
		}
	case ValidateNonce:
		if current := view.Nonce(tx.Sender); tx.Nonce <= current {
			return fmt.Errorf("%w: nonce %d, account at %d", settleerrors.ErrVStaleNonce, tx.Nonce, current)
		}
	case ValidateBalance:
		amount := tx.Amount
		if amount == nil {
			amount = new(uint256.Int)
		}
		if bal := view.Balance(tx.Sender, tx.Token); bal.Lt(amount) {
			return fmt.Errorf("%w: have %s, need %s", settleerrors.ErrVInsufficientBalance, bal.Dec(), amount.Dec())
		}
		if v.ledger != nil {
			bal, err := v.ledger.Balance(ctx, tx.Sender, tx.Token)
			if err != nil {
				return fmt.Errorf("balance ledger: %w", err)
			}
			if bal.Lt(amount) {
				return fmt.Errorf("%w: ledger has %s, need %s", settleerrors.ErrVInsufficientBalance, bal.Dec(), amount.Dec())
			}
		}
	case ValidateGasLimit:
		if tx.GasLimit < MinGasLimit || tx.GasLimit > MaxGasLimit {
			return fmt.Errorf("%w: %d", settleerrors.ErrVGasLimitOutOfBounds, tx.GasLimit)
		}
	default:
		return fmt.Errorf("%w: %s", settleerrors.ErrVUnknownValidator, kind)
	}
	return nil
}

// CheckAll validates txs concurrently. The returned slice is aligned with
// txs; a nil entry means the transaction passed. The error is only set when
// ctx is cancelled.
func (v *Validator) CheckAll(ctx context.Context, view StateView, txs []*types.Transaction) ([]error, error) {
	results := make([]error, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, tx := range txs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = v.Check(gctx, view, tx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
