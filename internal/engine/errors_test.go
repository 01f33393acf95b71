package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAbnormal(t *testing.T) {
	assert.False(t, IsAbnormal(nil))
	assert.False(t, IsAbnormal(ErrNormal))
	assert.False(t, IsAbnormal(ErrShutdown))
	assert.False(t, IsAbnormal(fmt.Errorf("stop: %w", ErrShutdown)))
	assert.False(t, IsAbnormal(newUpstreamTerminated("c", "p", 1, ErrNormal)))

	assert.True(t, IsAbnormal(errors.New("boom")))
	assert.True(t, IsAbnormal(newUpstreamTerminated("c", "p", 1, errors.New("boom"))))
	assert.True(t, IsAbnormal(newContractViolation("p", 1, "too many")))
}

func TestRuntimeError_Format(t *testing.T) {
	err := newCollaboratorFailure("sink", "HandleEvents", errors.New("disk full"))
	assert.Equal(t, "COLLABORATOR_FAILURE: HandleEvents failed (stage=sink): disk full", err.Error())

	err2 := newSubscriptionError("min_demand (%d) must be < max_demand (%d)", 5, 5)
	assert.Equal(t, "SUBSCRIPTION_ERROR: min_demand (5) must be < max_demand (5)", err2.Error())
}

func TestRuntimeError_HelpersSeeThroughWrapping(t *testing.T) {
	cv := newContractViolation("p", 3, "returned 4 for demand 3")
	up := newUpstreamTerminated("c", "p", 3, cv)
	wrapped := fmt.Errorf("stage c: %w", up)

	assert.True(t, IsUpstreamTerminated(wrapped))
	assert.True(t, IsContractViolation(wrapped))
	assert.False(t, IsRoutingError(wrapped))
	assert.Equal(t, ErrCodeUpstreamTerminated, CodeOf(wrapped))
	assert.Equal(t, RuntimeErrorCode(""), CodeOf(errors.New("plain")))

	var re *RuntimeError
	assert.ErrorAs(t, wrapped, &re)
	assert.Equal(t, int64(3), re.SubscriptionID)

	assert.True(t, IsStageTerminated(newStageTerminated("x")))
	assert.False(t, IsSubscriptionError(nil))
}
