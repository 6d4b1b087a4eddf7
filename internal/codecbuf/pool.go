// Package codecbuf provides a concurrent-safe bytes.Buffer pool used by the
// index-key encoders (internal/store/indexes) to avoid an allocation per
// key marshaled during a query scan.
package codecbuf

import (
	"bytes"
	"sync"
)

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns a reset buffer from the pool.
func Get() *bytes.Buffer { return pool.Get().(*bytes.Buffer) }

// Put zeroes and returns a buffer to the pool.
func Put(buf *bytes.Buffer) {
	data := buf.Bytes()
	for i := range data {
		data[i] = 0
	}
	buf.Reset()
	pool.Put(buf)
}
