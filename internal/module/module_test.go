package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vk/mediagrid/internal/frame"
)

func TestTask_EmitAndInput(t *testing.T) {
	task := &Task{
		Alias:  "f0",
		Inputs: []Packet{{Port: 1, Frame: frame.Frame{Data: []byte("a"), Seq: 4}}},
	}

	f, ok := task.Input(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), f.Seq)
	_, ok = task.Input(0)
	assert.False(t, ok)

	task.Emit(0, []byte("x"))
	task.Emit(1, []byte("y"))
	assert.Equal(t, []Output{{Port: 0, Data: []byte("x")}, {Port: 1, Data: []byte("y")}}, task.Outputs())
}
