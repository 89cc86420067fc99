package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	assert.Nil(t, New(false, "decoding"))
	assert.NotNil(t, New(true, "decoding"))
}

func TestBarWithoutWorkIsNoop(t *testing.T) {
	b := &Bar{description: "decoding"}
	b.Start(0)
	assert.NotPanics(t, func() {
		b.Increment()
		b.Finish()
	})
}

func TestBarConcurrentIncrements(t *testing.T) {
	b := &Bar{description: "decoding"}
	b.Start(64)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Increment()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 64, b.bar.State().CurrentNum)
	b.Finish()
}

func TestBarSharedByConcurrentRuns(t *testing.T) {
	b := New(true, "decoding")
	var wg sync.WaitGroup
	for run := 0; run < 4; run++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Start(16)
			for i := 0; i < 16; i++ {
				b.Increment()
			}
			b.Finish()
		}()
	}
	wg.Wait()
}
