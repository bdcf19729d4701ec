package model

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// LineBuffer splits a byte stream into lines across arbitrary read
// boundaries. Bytes after the last newline are carried over to the next Feed.
type LineBuffer struct {
	carry []byte
}

// Feed appends chunk and returns every complete line it closes, without the
// line terminator.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.carry = append(b.carry, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(b.carry, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(b.carry[:i]), "\r"))
		b.carry = b.carry[i+1:]
	}
	if len(b.carry) == 0 {
		b.carry = nil
	}
	return lines
}

// Flush returns the unterminated remainder, if any.
func (b *LineBuffer) Flush() (string, bool) {
	rest := strings.TrimSuffix(string(b.carry), "\r")
	b.carry = nil
	if strings.TrimSpace(rest) == "" {
		return "", false
	}
	return rest, true
}

// LineResult is what a LineParser makes of one line.
type LineResult struct {
	Fragment string
	Done     bool
}

// LineParser interprets one complete line of a provider's wire format. A
// non-nil error terminates the stream.
type LineParser func(line string) (LineResult, error)

const readChunkSize = 4096

type lineStream struct {
	provider ProviderID
	body     io.ReadCloser
	parse    LineParser
	buf      LineBuffer
	readBuf  []byte
	lines    []string
	pending  []string
	current  string
	eof      bool
	done     bool
	err      error
}

// NewLineStream turns a response body into a fragment stream, feeding each
// complete line to parse in arrival order.
func NewLineStream(provider ProviderID, body io.ReadCloser, parse LineParser) Stream {
	return &lineStream{
		provider: provider,
		body:     body,
		parse:    parse,
		readBuf:  make([]byte, readChunkSize),
	}
}

func (s *lineStream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done {
			return false
		}
		if len(s.lines) > 0 {
			line := s.lines[0]
			s.lines = s.lines[1:]
			s.handle(line)
			continue
		}
		if s.eof {
			s.done = true
			continue
		}
		n, err := s.body.Read(s.readBuf)
		if n > 0 {
			s.lines = append(s.lines, s.buf.Feed(s.readBuf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if rest, ok := s.buf.Flush(); ok {
					s.lines = append(s.lines, rest)
				}
				s.eof = true
				continue
			}
			s.err = &NetworkError{Provider: s.provider, Err: err}
			s.done = true
		}
	}
}

func (s *lineStream) handle(line string) {
	res, err := s.parse(line)
	if err != nil {
		s.err = err
		s.done = true
		s.lines = nil
		return
	}
	if res.Fragment != "" {
		s.pending = append(s.pending, res.Fragment)
	}
	if res.Done {
		s.done = true
		s.lines = nil
	}
}

func (s *lineStream) Fragment() string { return s.current }

func (s *lineStream) Err() error { return s.err }

func (s *lineStream) Close() error { return s.body.Close() }

type staticStream struct {
	fragments []string
	current   string
}

// NewStaticStream yields the given fragments and then ends normally.
func NewStaticStream(fragments ...string) Stream {
	return &staticStream{fragments: fragments}
}

func (s *staticStream) Next() bool {
	if len(s.fragments) == 0 {
		return false
	}
	s.current = s.fragments[0]
	s.fragments = s.fragments[1:]
	return true
}

func (s *staticStream) Fragment() string { return s.current }

func (s *staticStream) Err() error { return nil }

func (s *staticStream) Close() error { return nil }

// SSEData returns the payload of a server-sent-events "data: " line.
func SSEData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// Truncate shortens s to maxChars runes for log lines and error messages.
func Truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
