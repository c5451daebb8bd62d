package columnar

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// StreamWriter writes records as an Arrow IPC stream.
type StreamWriter struct {
	w *ipc.Writer
}

func NewStreamWriter(w io.Writer, schema *arrow.Schema, mem memory.Allocator) *StreamWriter {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &StreamWriter{w: ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))}
}

func (s *StreamWriter) Write(rec arrow.Record) error {
	return errors.Wrap(s.w.Write(rec), "write record")
}

// Close writes the end-of-stream marker.
func (s *StreamWriter) Close() error {
	return s.w.Close()
}

// ReadStream decodes an Arrow IPC stream and calls fn for each record. The
// record is only valid during the call. Streams from a different mapping
// version are rejected.
func ReadStream(r io.Reader, mem memory.Allocator, fn func(arrow.Record) error) (*arrow.Schema, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	defer rdr.Release()

	schema := rdr.Schema()
	v, err := SchemaVersion(schema)
	if err != nil {
		return nil, err
	}
	if v != MappingVersion {
		return nil, errors.Errorf("stream uses mapping version %d, want %d", v, MappingVersion)
	}

	for rdr.Next() {
		if err := fn(rdr.Record()); err != nil {
			return schema, err
		}
	}
	return schema, errors.Wrap(rdr.Err(), "read stream")
}
