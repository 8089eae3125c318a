package taskpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompletionNotifier(t *testing.T) {
	var c completionNotifier
	c.Completed()
	require.True(t, c.Wait(0, nil))

	woke := make(chan bool, 1)
	go func() {
		woke <- c.Wait(1, nil)
	}()
	select {
	case <-woke:
		t.Fatal("Wait returned before the next completion")
	case <-time.After(time.Millisecond * 20):
	}
	c.Completed()
	require.True(t, <-woke)

	cancel := make(chan struct{})
	close(cancel)
	require.False(t, c.Wait(2, cancel))

	go func() {
		woke <- c.Wait(2, nil)
	}()
	c.Close()
	require.False(t, <-woke)
	require.False(t, c.Wait(2, nil))
	require.True(t, c.Wait(1, nil))
	c.Close()
}
