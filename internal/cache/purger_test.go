package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPurger_SweepsOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCache(t, nil)

	c.Set(ctx, "short", bytes.Repeat([]byte("s"), 64), time.Minute, "g")

	p := NewPurger(quietLogger(), c.Cache, 10*time.Minute)
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	c.clock.BlockUntil(1)
	c.clock.Advance(10 * time.Minute)

	assert.Eventually(t, func() bool {
		return c.files.Usage() == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
