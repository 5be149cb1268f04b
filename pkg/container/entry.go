package container

import (
	"bytes"
	"encoding"
	"strings"
	"sync"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

//nolint:gochecknoglobals
var cborHandle = &codec.CborHandle{}

//nolint:gochecknoglobals
var bufPool = sync.Pool{ // *bytes.Buffer
	New: func() any { return new(bytes.Buffer) },
}

// Metadata travels with an entry when it is transferred between nodes.
type Metadata struct {
	Version  uint64        `json:"version,omitempty"`  // logical version, monotonic per key
	Lifespan time.Duration `json:"lifespan,omitempty"` // zero means immortal
	MaxIdle  time.Duration `json:"maxIdle,omitempty"`  // zero means no idle expiry
	Origin   string        `json:"origin,omitempty"`   // node that produced the write
	Created  time.Time     `json:"created"`
	LastUsed time.Time     `json:"lastUsed"`
}

// Entry is a key, its value and metadata.
type Entry struct {
	Key      string   `json:"key"`
	Value    any      `json:"value"`
	Metadata Metadata `json:"metadata"`
	Size     int64    `json:"size,omitempty"` // encoded size in bytes, filled by SetSize
}

// NewEntry returns an entry created now.
func NewEntry(key string, value any) Entry {
	now := time.Now()

	return Entry{Key: key, Value: value, Metadata: Metadata{Created: now, LastUsed: now}}
}

// Valid returns an error if the entry cannot be stored.
func (e *Entry) Valid() error {
	if strings.TrimSpace(e.Key) == "" {
		return sentinel.ErrInvalidKey
	}

	if e.Value == nil {
		return sentinel.ErrNilValue
	}

	return nil
}

// Expired reports whether lifespan or max idle elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	m := e.Metadata
	if m.Lifespan > 0 && !m.Created.IsZero() && now.Sub(m.Created) > m.Lifespan {
		return true
	}

	return m.MaxIdle > 0 && !m.LastUsed.IsZero() && now.Sub(m.LastUsed) > m.MaxIdle
}

// Sizer allows custom values to report their encoded size without serialization.
type Sizer interface{ SizeBytes() int }

// SetSize computes the encoded size of the value. Outbound chunks use it to honor a
// byte budget.
func (e *Entry) SetSize() error {
	switch val := e.Value.(type) {
	case []byte:
		e.Size = int64(len(val))

		return nil

	case string:
		e.Size = int64(len(val))

		return nil

	case encoding.BinaryMarshaler:
		b, err := val.MarshalBinary()
		if err != nil {
			return sentinel.ErrInvalidSize
		}

		e.Size = int64(len(b))

		return nil

	case Sizer:
		e.Size = int64(val.SizeBytes())

		return nil
	}

	buf, ok := bufPool.Get().(*bytes.Buffer)
	if !ok {
		buf = new(bytes.Buffer)
	}

	buf.Reset()

	const maxKeepCap = 1 << 20

	defer func() {
		if buf.Cap() > maxKeepCap {
			return
		}

		buf.Reset()
		bufPool.Put(buf)
	}()

	err := codec.NewEncoder(buf, cborHandle).Encode(e.Value)
	if err != nil {
		return sentinel.ErrInvalidSize
	}

	e.Size = int64(buf.Len())

	return nil
}
