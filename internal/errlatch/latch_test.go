package errlatch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailIgnoresNil(t *testing.T) {
	l := &Latch{}
	l.Fail(nil)
	assert.NoError(t, l.Err())
}

func TestFailLatchesFirstError(t *testing.T) {
	l := &Latch{}
	first := errors.New("first")
	second := errors.New("second")

	l.Fail(first)
	l.Fail(second)

	assert.Same(t, first, l.Err())
}

func TestFailIsSafeForConcurrentCallers(t *testing.T) {
	l := &Latch{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Fail(errors.New("concurrent"))
		}(i)
	}
	wg.Wait()
	assert.Error(t, l.Err())
}
