package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError("upload", "a/b.txt", KindQuotaExceeded, errors.New("full")))

	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindQuotaExceeded, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "a/b.txt")
	assert.Contains(t, err.Error(), "QuotaExceeded")
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindPermanent, KindOf(errors.New("boom")))
	assert.True(t, IsRetryable(NewError("list", "", KindTransient, errors.New("503"))))
}

func TestClassifyCommon(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
		ok   bool
	}{
		{os.ErrNotExist, KindNotFound, true},
		{context.DeadlineExceeded, KindTransient, true},
		{context.Canceled, KindPermanent, false},
		{errors.New("other"), KindPermanent, false},
	}
	for _, tt := range tests {
		kind, ok := classifyCommon(tt.err)
		assert.Equal(t, tt.kind, kind, tt.err.Error())
		assert.Equal(t, tt.ok, ok, tt.err.Error())
	}
}
