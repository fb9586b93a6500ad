// Package frame defines the opaque payload that travels along streams.
package frame

// Frame is an opaque unit of media data. Ownership moves with the frame: once
// a producer has emitted it, the producer must not touch Data again.
type Frame struct {
	// Data is the payload. Its length is the frame's explicit size.
	Data []byte
	// Seq is the producer-assigned sequence number on the emitting port,
	// starting at zero. Ordered inputs pair frames by it.
	Seq uint64
}

// Len returns the payload size.
func (f Frame) Len() int {
	return len(f.Data)
}

// Clone returns a frame with its own copy of the payload. Used when a port
// fans out to more than one consumer.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, Seq: f.Seq}
}
