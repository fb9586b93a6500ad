package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClone_DoesNotShareBuffer(t *testing.T) {
	orig := Frame{Data: []byte("abc"), Seq: 7}
	cp := orig.Clone()

	cp.Data[0] = 'z'

	assert.Equal(t, "abc", string(orig.Data))
	assert.Equal(t, uint64(7), cp.Seq)
	assert.Equal(t, 3, cp.Len())
}
