// Package transfer splits binary payloads into size bounded chunks and
// reassembles them on the other side of a connection.
package transfer

import (
	"bytes"
	"iter"
)

// DefaultChunkSize balances the per message framing overhead with the memory
// held per in-flight transfer.
const DefaultChunkSize = 200 * 1024

// Chunk is an ordered slice of a payload.
type Chunk struct {
	Data []byte
	// Final marks the last chunk of a payload.
	Final bool
}

// Split returns the ordered chunks of b, all of them of size bytes except the
// last one that can be shorter. An empty payload yields a single empty final
// chunk so the receiver always sees the end of the stream. Chunks share memory
// with b. The sequence can be iterated any number of times.
func Split(b []byte, size int) iter.Seq[Chunk] {
	if size < 1 {
		size = DefaultChunkSize
	}

	return func(yield func(Chunk) bool) {
		if len(b) == 0 {
			yield(Chunk{Data: []byte{}, Final: true})
			return
		}

		for start := 0; start < len(b); start += size {
			end := min(start+size, len(b))
			if !yield(Chunk{Data: b[start:end:end], Final: end == len(b)}) {
				return
			}
		}
	}
}

// Count returns the number of chunks Split yields for a payload of n bytes.
func Count(n, size int) int {
	if size < 1 {
		size = DefaultChunkSize
	}
	if n == 0 {
		return 1
	}
	return (n + size - 1) / size
}

// Stream is the reconstruction state of a single payload.
type Stream struct {
	buf bytes.Buffer
}

// Append appends data in arrival order.
func (s *Stream) Append(data []byte) {
	s.buf.Write(data)
}

// Len returns the number of bytes received so far.
func (s *Stream) Len() int { return s.buf.Len() }

// Bytes returns a copy of the bytes received so far.
func (s *Stream) Bytes() []byte {
	return bytes.Clone(s.buf.Bytes())
}

// Assembler reassembles many interleaved payloads identified by a key (e.g.
// the file ID). Chunks of the same payload must be fed in delivery order, no
// reordering is done. It's not safe for concurrent use.
type Assembler struct {
	streams map[string]*Stream
}

// NewAssembler returns a new Assembler.
func NewAssembler() *Assembler {
	return &Assembler{streams: map[string]*Stream{}}
}

// Add feeds a chunk of the payload identified by key. When the chunk is final
// it returns the complete payload and the intermediate buffer is discarded.
func (a *Assembler) Add(key string, data []byte, final bool) (payload []byte, complete bool) {
	s, ok := a.streams[key]
	if !ok {
		s = &Stream{}
		a.streams[key] = s
	}
	s.Append(data)

	if !final {
		return nil, false
	}

	delete(a.streams, key)
	payload = s.buf.Bytes()
	if payload == nil {
		payload = []byte{}
	}
	return payload, true
}

// Pending returns the number of payloads that have not received their final chunk.
func (a *Assembler) Pending() int { return len(a.streams) }

// Discard drops all the in-flight streams.
func (a *Assembler) Discard() {
	clear(a.streams)
}

// Join reassembles a complete ordered chunk sequence.
func Join(chunks iter.Seq[Chunk]) []byte {
	s := &Stream{}
	for c := range chunks {
		s.Append(c.Data)
		if c.Final {
			break
		}
	}

	b := s.buf.Bytes()
	if b == nil {
		b = []byte{}
	}
	return b
}
