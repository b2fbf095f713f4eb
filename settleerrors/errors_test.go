package settleerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("apply update for batch-3: %w", ErrCStateRootMismatch)
	assert.Equal(t, ClassConsistency, ClassOf(wrapped))
	assert.Equal(t, "C1", GetErrorCode(wrapped))
	assert.Equal(t, "StateRootMismatch", GetErrorName(wrapped))
	assert.Equal(t, "C1_StateRootMismatch", GetErrorCodeWithName(wrapped))

	assert.Equal(t, ClassAdmission, ClassOf(ErrANonceMismatch))
	assert.Equal(t, ClassValidation, ClassOf(fmt.Errorf("tx 0x01: %w", ErrVInsufficientBalance)))
	assert.Equal(t, ClassExecution, ClassOf(ErrXRuntimeFailure))
	assert.Equal(t, ClassUnknown, ClassOf(fmt.Errorf("plain")))
	assert.Equal(t, ClassUnknown, ClassOf(nil))
}

func TestCodesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, e := range allErrors {
		code := GetErrorCode(e)
		if seen[code] {
			t.Errorf("duplicate code %s", code)
		}
		seen[code] = true
		if _, ok := classByCode[code[0]]; !ok {
			t.Errorf("code %s has no class", code)
		}
	}
}
