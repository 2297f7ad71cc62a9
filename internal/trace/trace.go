// Package trace parses the two memory-reference trace formats the
// simulator accepts: a hex-address format terminated by a literal "#eof"
// line, and a decimal-address memtrace format with no terminator.
package trace

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"cachesim/internal/simerr"
)

// Format selects which trace syntax a Reader parses.
type Format int

const (
	// Hex is "<R|W> <hex address> ..." with an "#eof" sentinel line.
	Hex Format = iota
	// Mem is a memtrace line with the address as the third-from-last
	// whitespace-separated token and the substring "Write" marking a
	// store.
	Mem
)

// Reference is one decoded memory access.
type Reference struct {
	Address uint64
	Write   bool
}

// Reader decodes References from an underlying line stream one at a time.
type Reader struct {
	scanner *bufio.Scanner
	format  Format
	line    int
	done    bool
}

// NewReader wraps r, decoding lines as format.
func NewReader(r io.Reader, format Format) *Reader {
	return &Reader{scanner: bufio.NewScanner(r), format: format}
}

// Next returns the next Reference, or io.EOF once the stream (or, for Hex,
// the "#eof" sentinel) is exhausted. A malformed line fails with
// *simerr.MalformedTrace identifying the offending line number and text.
func (r *Reader) Next() (Reference, error) {
	if r.done {
		return Reference{}, io.EOF
	}
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Text()
		if r.format == Hex && strings.HasPrefix(line, "#eof") {
			r.done = true
			return Reference{}, io.EOF
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch r.format {
		case Hex:
			return r.parseHex(line)
		default:
			return r.parseMem(line)
		}
	}
	r.done = true
	if err := r.scanner.Err(); err != nil {
		return Reference{}, errors.WithStack(err)
	}
	return Reference{}, io.EOF
}

func (r *Reader) parseHex(line string) (Reference, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Reference{}, errors.WithStack(&simerr.MalformedTrace{Line: r.line, Text: line, Reason: "expected at least two fields"})
	}
	address, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Reference{}, errors.WithStack(&simerr.MalformedTrace{Line: r.line, Text: line, Reason: "second field is not a hex address"})
	}
	return Reference{Address: address, Write: strings.HasPrefix(line, "W")}, nil
}

func (r *Reader) parseMem(line string) (Reference, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Reference{}, errors.WithStack(&simerr.MalformedTrace{Line: r.line, Text: line, Reason: "expected at least three fields"})
	}
	address, err := strconv.ParseUint(fields[len(fields)-3], 10, 64)
	if err != nil {
		return Reference{}, errors.WithStack(&simerr.MalformedTrace{Line: r.line, Text: line, Reason: "third-from-last field is not a decimal address"})
	}
	return Reference{Address: address, Write: strings.Contains(line, "Write")}, nil
}
