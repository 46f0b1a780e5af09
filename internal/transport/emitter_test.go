// ABOUTME: Tests for the close-safe event emitter
// ABOUTME: Covers delivery order, blocked emitters during Close and double close

package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_DeliversInOrder(t *testing.T) {
	e := NewEmitter(4)
	assert.True(t, e.Emit(PairingIssued("QR")))
	assert.True(t, e.Emit(Authenticated()))

	assert.Equal(t, EventPairingIssued, (<-e.Events()).Kind)
	assert.Equal(t, EventAuthenticated, (<-e.Events()).Kind)
}

func TestEmitter_CloseReleasesBlockedEmitters(t *testing.T) {
	e := NewEmitter(0)

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.Emit(Disconnected("x"))
		}()
	}

	time.Sleep(10 * time.Millisecond)
	e.Close()
	wg.Wait()
	close(results)

	for ok := range results {
		assert.False(t, ok)
	}
	_, open := <-e.Events()
	assert.False(t, open)
}

func TestEmitter_EmitAfterClose(t *testing.T) {
	e := NewEmitter(1)
	e.Close()
	e.Close()

	assert.False(t, e.Emit(Ready(testIdentity())))
}
