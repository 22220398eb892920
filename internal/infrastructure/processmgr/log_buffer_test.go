package processmgr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogBufferTail(t *testing.T) {
	b := newLogBuffer(3)
	assert.Nil(t, b.Tail(0))

	b.Append("a")
	b.Append("b")
	assert.Equal(t, []string{"b", "a"}, b.Tail(0))
	assert.Equal(t, []string{"b"}, b.Tail(1))

	b.Append("c")
	b.Append("d")
	assert.Equal(t, []string{"d", "c", "b"}, b.Tail(0))
	assert.Equal(t, []string{"d", "c", "b"}, b.Tail(10))
}

func TestLogBufferWrapsManyTimes(t *testing.T) {
	b := newLogBuffer(4)
	for i := 0; i < 11; i++ {
		b.Append(fmt.Sprint(i))
	}
	assert.Equal(t, []string{"10", "9", "8", "7"}, b.Tail(0))
}

func TestLogBufferReset(t *testing.T) {
	b := newLogBuffer(0)
	assert.Len(t, b.entries, defaultLogLines)

	b.Append("old session")
	b.Reset()
	assert.Nil(t, b.Tail(0))

	b.Append("new session")
	assert.Equal(t, []string{"new session"}, b.Tail(0))
}
