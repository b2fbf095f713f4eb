package settleerrors

import (
	"errors"
	"strings"
)

// Admission (A) Errors: the transaction never enters the pipeline.
var (
	ErrAPoolFull             = errors.New("A1|PoolFull: Admission pool is at capacity.")
	ErrANonceMismatch        = errors.New("A2|NonceMismatch: Transaction nonce is not the sender's tracked nonce + 1.")
	ErrAPolicyRejected       = errors.New("A3|PolicyRejected: Policy gate rejected the transaction.")
	ErrADuplicateTransaction = errors.New("A4|DuplicateTransaction: Transaction is already known.")
	ErrAEngineStopped        = errors.New("A5|EngineStopped: Settlement engine is not running.")
	ErrAUnknownTransaction   = errors.New("A6|UnknownTransaction: No record of the transaction id.")
)

// Validation (V) Errors: excluded from the current batch attempt.
var (
	ErrVMissingSignature    = errors.New("V1|MissingSignature: Transaction carries no signature.")
	ErrVBadSignature        = errors.New("V2|BadSignature: Signature does not recover to the sender.")
	ErrVStaleNonce          = errors.New("V3|StaleNonce: Nonce already used by the sender.")
	ErrVInsufficientBalance = errors.New("V4|InsufficientBalance: Sender balance is below the transfer amount.")
	ErrVGasLimitOutOfBounds = errors.New("V5|GasLimitOutOfBounds: Gas limit outside 21000..15000000.")
	ErrVUnknownValidator    = errors.New("V6|UnknownValidator: Validator kind is not registered.")
)

// Execution (X) Errors: dropped from the batch, not retried.
var (
	ErrXBalanceDrained = errors.New("X1|BalanceDrained: Balance consumed by an earlier transaction in the batch.")
	ErrXNonceGap       = errors.New("X2|NonceGap: Transaction nonce does not follow the account nonce.")
	ErrXRuntimeFailure = errors.New("X3|RuntimeFailure: Execution runtime failed the call.")
)

// Consistency (C) Errors: fatal for the update.
var (
	ErrCStateRootMismatch   = errors.New("C1|StateRootMismatch: Claimed pre-state root differs from the current root.")
	ErrCBlockNumberMismatch = errors.New("C2|BlockNumberMismatch: Update does not target the next block.")
)

// State (S) Errors: snapshots and rollback.
var (
	ErrSInvalidRollbackTarget = errors.New("S1|InvalidRollbackTarget: Rollback target must be below the current block.")
	ErrSSnapshotNotFound      = errors.New("S2|SnapshotNotFound: No retained snapshot at or before the target block.")
	ErrSSnapshotCorrupt       = errors.New("S3|SnapshotCorrupt: Snapshot root does not match its decoded state.")
	ErrSManagerClosed         = errors.New("S4|ManagerClosed: State manager is shut down.")
)

// Rollup (R) Errors: batch submission.
var (
	ErrREmptyBatch        = errors.New("R1|EmptyBatch: Batch carries no transactions.")
	ErrRZeroStateRoot     = errors.New("R2|ZeroStateRoot: Batch state root is unset.")
	ErrRBadMerkleRoot     = errors.New("R3|BadMerkleRoot: Merkle root does not match the transaction list.")
	ErrRBatchNotFound     = errors.New("R4|BatchNotFound: Unknown batch id.")
	ErrRDuplicateBatch    = errors.New("R5|DuplicateBatch: Batch was already submitted.")
	ErrRAnchorUnavailable = errors.New("R6|AnchorUnavailable: L1 anchor rejected the submission.")
	ErrRBatchReverted     = errors.New("R7|BatchReverted: Batch was reverted.")
)

// Dispute (D) Errors: challenges and validators.
var (
	ErrDInsufficientStake = errors.New("D1|InsufficientStake: Stake is below the required minimum.")
	ErrDBatchFinalized    = errors.New("D2|BatchFinalized: Finalized batches cannot be challenged.")
	ErrDChallengeNotFound = errors.New("D3|ChallengeNotFound: Unknown challenge id.")
	ErrDChallengeResolved = errors.New("D4|ChallengeResolved: Challenge was already resolved.")
	ErrDWindowClosed      = errors.New("D5|WindowClosed: Fraud-proof window for the batch has closed.")
	ErrDUnknownValidator  = errors.New("D6|UnknownValidator: Address is not a registered validator.")
)

// Proof (P) Errors
var (
	ErrPUnsupported    = errors.New("P1|Unsupported: Proof kind is not supported by the backend.")
	ErrPInvalidProof   = errors.New("P2|InvalidProof: Proof failed verification.")
	ErrPEmptyAggregate = errors.New("P3|EmptyAggregate: No proofs to aggregate.")
	ErrPRequestUnknown = errors.New("P4|RequestUnknown: Unknown proof request.")
)

// Finality (F) Errors
var (
	ErrFNotTracked = errors.New("F1|NotTracked: Batch is not tracked for finality.")
	ErrFStalled    = errors.New("F2|Stalled: Batch exhausted its L1 resubmissions.")
)

// Class groups errors by how the pipeline reacts to them.
type Class string

const (
	ClassAdmission   Class = "admission"
	ClassValidation  Class = "validation"
	ClassExecution   Class = "execution"
	ClassConsistency Class = "consistency"
	ClassState       Class = "state"
	ClassRollup      Class = "rollup"
	ClassDispute     Class = "dispute"
	ClassProof       Class = "proof"
	ClassFinality    Class = "finality"
	ClassUnknown     Class = "unknown"
)

var classByCode = map[byte]Class{
	'A': ClassAdmission,
	'V': ClassValidation,
	'X': ClassExecution,
	'C': ClassConsistency,
	'S': ClassState,
	'R': ClassRollup,
	'D': ClassDispute,
	'P': ClassProof,
	'F': ClassFinality,
}

var allErrors = []error{
	ErrAPoolFull, ErrANonceMismatch, ErrAPolicyRejected, ErrADuplicateTransaction, ErrAEngineStopped, ErrAUnknownTransaction,
	ErrVMissingSignature, ErrVBadSignature, ErrVStaleNonce, ErrVInsufficientBalance, ErrVGasLimitOutOfBounds, ErrVUnknownValidator,
	ErrXBalanceDrained, ErrXNonceGap, ErrXRuntimeFailure,
	ErrCStateRootMismatch, ErrCBlockNumberMismatch,
	ErrSInvalidRollbackTarget, ErrSSnapshotNotFound, ErrSSnapshotCorrupt, ErrSManagerClosed,
	ErrREmptyBatch, ErrRZeroStateRoot, ErrRBadMerkleRoot, ErrRBatchNotFound, ErrRDuplicateBatch, ErrRAnchorUnavailable, ErrRBatchReverted,
	ErrDInsufficientStake, ErrDBatchFinalized, ErrDChallengeNotFound, ErrDChallengeResolved, ErrDWindowClosed, ErrDUnknownValidator,
	ErrPUnsupported, ErrPInvalidProof, ErrPEmptyAggregate, ErrPRequestUnknown,
	ErrFNotTracked, ErrFStalled,
}

// Sentinel returns the coded error wrapped somewhere in err's chain.
func Sentinel(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range allErrors {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

// ClassOf classifies err by the code of the sentinel it wraps.
func ClassOf(err error) Class {
	s := Sentinel(err)
	if s == nil {
		return ClassUnknown
	}
	code := GetErrorCode(s)
	if c, ok := classByCode[code[0]]; ok {
		return c
	}
	return ClassUnknown
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return ""
	}
	if s := Sentinel(err); s != nil {
		err = s
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if s := Sentinel(err); s != nil {
		err = s
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
