package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
)

func TestHandleRetriesUntilSuccess(t *testing.T) {
	c := &Consumer{maxElapsed: 5 * time.Second}
	calls := 0
	err := c.handle(context.Background(), func(context.Context, models.Event) error {
		calls++
		if calls < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}, models.Event{ID: "evt-1"})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestHandleStopsOnCancel(t *testing.T) {
	c := &Consumer{maxElapsed: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.handle(ctx, func(context.Context, models.Event) error {
		return errors.New("still failing")
	}, models.Event{ID: "evt-2"})
	assert.Error(t, err)
}
