package vault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("saving: %w", storageError("create item", cause))

	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Equal(t, "saving: vault: create item: storage error: disk full", err.Error())
}

func TestAuthErrorHidesCause(t *testing.T) {
	err := authError("unlock")
	assert.Equal(t, "vault: unlock: invalid credentials", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestSentinelsDoNotMatchEachOther(t *testing.T) {
	sentinels := []error{
		ErrConfiguration, ErrAuthentication, ErrCorruption, ErrTamperSuspected, ErrLocked,
		ErrRateLimited, ErrBusy, ErrStorage, ErrInvalidInput, ErrNotFound,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			assert.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
}
