// Package archive serializes an instance directory tree into a zip archive and
// restores it again, refusing entries that would land outside the target.
package archive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

const commentPrefix = "ender-panel"

// Metadata identifies the snapshot an archive was taken from. It travels in
// the zip comment so restoring never has to write an extra file.
type Metadata struct {
	InstanceID string    `json:"instanceId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (m Metadata) comment() string {
	return fmt.Sprintf("%s instance=%s created=%s", commentPrefix, m.InstanceID, m.CreatedAt.UTC().Format(time.RFC3339Nano))
}

func parseComment(comment string) (Metadata, bool) {
	fields := strings.Fields(comment)
	if len(fields) == 0 || fields[0] != commentPrefix {
		return Metadata{}, false
	}
	var m Metadata
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "instance":
			m.InstanceID = value
		case "created":
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.CreatedAt = t
			}
		}
	}
	return m, true
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressionLevel sets the deflate level (flate.NoCompression to flate.BestCompression).
func WithCompressionLevel(level int) Option {
	return func(c *Codec) {
		if level >= flate.HuffmanOnly && level <= flate.BestCompression {
			c.level = level
		}
	}
}

// WithMaxEntryBytes caps the decompressed size of a single entry during Unpack.
// Zero disables the cap.
func WithMaxEntryBytes(n int64) Option {
	return func(c *Codec) {
		c.maxEntryBytes = n
	}
}

// WithMaxEntries rejects archives holding more than n entries. Zero disables the check.
func WithMaxEntries(n int) Option {
	return func(c *Codec) {
		c.maxEntries = n
	}
}

// Codec packs and unpacks directory trees. It holds no per-call state and is
// safe for concurrent use.
type Codec struct {
	level         int
	maxEntryBytes int64
	maxEntries    int
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{level: flate.DefaultCompression}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) newCompressor(out io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(out, c.level)
}

// ctxReader stops long copies once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
