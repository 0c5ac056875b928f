// Package sse assembles the text carried by an event-stream response.
package sse

import (
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"

	"chatlog/internal/extract"
)

const dataPrefix = "data:"

// Decoder incrementally decodes "data: <json>" lines into one assembled text.
// It buffers raw bytes, so multi-byte runes split across chunks are safe.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	pending  []byte
	text     strings.Builder
	finished bool
}

func NewDecoder() *Decoder { return &Decoder{} }

// Write feeds one chunk. It never fails; unparseable lines are skipped.
func (d *Decoder) Write(chunk []byte) (int, error) {
	if d.finished {
		return len(chunk), nil
	}
	d.pending = append(d.pending, chunk...)
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		d.processLine(d.pending[:i])
		d.pending = d.pending[i+1:]
	}
	// keep the buffer from pinning a large backing array
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return len(chunk), nil
}

// Finish processes a trailing partial data line and returns the assembled text.
// Further writes are ignored.
func (d *Decoder) Finish() string {
	if !d.finished {
		if len(d.pending) > 0 {
			d.processLine(d.pending)
			d.pending = nil
		}
		d.finished = true
	}
	return d.text.String()
}

// Text returns the text assembled so far.
func (d *Decoder) Text() string { return d.text.String() }

func (d *Decoder) processLine(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	i := strings.IndexByte(line, '{')
	if i < 0 {
		return
	}
	d.text.WriteString(extract.Fragment([]byte(line[i:])))
}

// DecodeReader reads r to EOF and returns the assembled text.
func DecodeReader(r io.Reader) (string, error) {
	d := NewDecoder()
	if _, err := io.Copy(d, r); err != nil {
		return d.Finish(), errors.Wrap(err, "read event stream")
	}
	return d.Finish(), nil
}
