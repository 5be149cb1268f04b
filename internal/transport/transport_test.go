package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap("push", "B", nil))

	err := Wrap("push", "B", sentinel.ErrNodeNotFound)
	assert.True(t, strings.HasPrefix(err.Error(), "push(B): "))
	assert.True(t, errors.Is(err, sentinel.ErrNodeNotFound))

	// already wrapped errors keep the innermost op
	again := Wrap("request", "C", err)
	assert.Equal(t, err, again)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(Wrap("request", "B", context.DeadlineExceeded)))
	assert.True(t, IsTimeout(context.Canceled))
	assert.False(t, IsTimeout(sentinel.ErrRequestFailed))
}
