package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Header limits.
const (
	DefaultMaxHeaderLine  = 256
	DefaultMaxHeaderBytes = 4096
)

// Response is what one exchange produced. It is returned alongside
// classified errors so callers can inspect it.
type Response struct {
	// StatusCode is the HTTP status, or 0 if no status line was read.
	StatusCode int

	// Body is the response body as read.
	Body []byte

	// ContentLength is the declared length, or -1 for chunked or undeclared
	// bodies.
	ContentLength int

	// BytesRead is the number of body bytes read.
	BytesRead int

	// ServerTime is the x-time header in Unix milliseconds.
	ServerTime uint64

	// ReceivedSignature is the x-signature header value.
	ReceivedSignature string

	// UpdateRequested reports an x-update: 1 directive.
	UpdateRequested bool

	// Encryption is the x-enc header value, or -1 when absent.
	Encryption int

	// ServerError is set for 503/504 and any other non-2xx status.
	ServerError bool

	// RejectedStale is set when x-time is too far from the hub clock.
	RejectedStale bool

	// SawSignature is set when an x-signature header was present.
	SawSignature bool

	// SignatureMatched is set when a verification key matched.
	SignatureMatched bool

	chunked bool
}

func newResponse() *Response {
	return &Response{ContentLength: -1, Encryption: -1}
}

// headerParser reads and classifies response header lines.
type headerParser struct {
	r            *bufio.Reader
	maxLine      int
	maxBytes     int
	now          func() time.Time
	maxClockSkew time.Duration

	consumed int
}

// parse reads header lines until the blank line, a gateway error or a
// stale timestamp. It reports whether a body follows.
func (p *headerParser) parse(resp *Response) (bool, error) {
	first := true
	for {
		line, err := p.readLine()
		if err != nil {
			return false, err
		}
		if line == "" {
			if first {
				continue
			}
			return true, nil
		}

		lower := strings.ToLower(line)
		if first && strings.HasPrefix(lower, "http/") {
			first = false
			resp.StatusCode = parseStatus(lower)
			switch {
			case resp.StatusCode == 503 || resp.StatusCode == 504:
				resp.ServerError = true
				return false, nil
			case resp.StatusCode < 200 || resp.StatusCode > 299:
				resp.ServerError = true
			}
			continue
		}
		first = false

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "content-length":
			n, err := strconv.Atoi(value)
			if err == nil && n >= 0 {
				resp.ContentLength = n
			}
		case "transfer-encoding":
			if strings.EqualFold(value, "chunked") {
				resp.chunked = true
			}
		case "x-signature":
			resp.ReceivedSignature = value
			resp.SawSignature = true
		case "x-enc":
			if n, err := strconv.Atoi(value); err == nil {
				resp.Encryption = n
			}
		case "x-update":
			if value == "1" {
				resp.UpdateRequested = true
			}
		case "x-time":
			t, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			resp.ServerTime = t
			if p.stale(t) {
				resp.RejectedStale = true
				return false, nil
			}
		}
	}
}

func (p *headerParser) stale(serverMillis uint64) bool {
	local := p.now().UnixMilli()
	diff := int64(serverMillis) - local
	if diff < 0 {
		diff = -diff
	}
	return diff > p.maxClockSkew.Milliseconds()
}

// readLine returns one header line without its terminator.
func (p *headerParser) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := p.r.ReadSlice('\n')
		line = append(line, chunk...)
		p.consumed += len(chunk)
		if p.consumed > p.maxBytes || len(line) > p.maxLine+2 {
			return "", ErrHeaderOverflow
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

func parseStatus(lower string) int {
	fields := strings.Fields(lower)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// readBody reads the body framed by content-length, chunked encoding or
// connection close, bounded by limit.
func readBody(r *bufio.Reader, resp *Response, limit int) error {
	switch {
	case resp.chunked:
		resp.ContentLength = -1
		return readChunked(r, resp, limit)
	case resp.ContentLength >= 0:
		if resp.ContentLength > limit {
			return fmt.Errorf("%w: content-length %d, capacity %d", ErrResponseTooLarge, resp.ContentLength, limit)
		}
		resp.Body = make([]byte, resp.ContentLength)
		n, err := io.ReadFull(r, resp.Body)
		resp.BytesRead = n
		resp.Body = resp.Body[:n]
		return err
	default:
		body, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
		if len(body) > limit {
			return fmt.Errorf("%w: capacity %d", ErrResponseTooLarge, limit)
		}
		resp.Body = body
		resp.BytesRead = len(body)
		return err
	}
}

func readChunked(r *bufio.Reader, resp *Response, limit int) error {
	var body []byte
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("chunk size: %w", err)
		}
		sizeText, _, _ := strings.Cut(strings.TrimSpace(sizeLine), ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeText), 16, 31)
		if err != nil {
			return fmt.Errorf("%w: bad chunk size %q", ErrMalformedResponse, sizeText)
		}
		if size == 0 {
			break
		}
		if len(body)+int(size) > limit {
			return fmt.Errorf("%w: capacity %d", ErrResponseTooLarge, limit)
		}
		start := len(body)
		body = append(body, make([]byte, size)...)
		if _, err := io.ReadFull(r, body[start:]); err != nil {
			return fmt.Errorf("chunk data: %w", err)
		}
		if _, err := r.Discard(2); err != nil {
			return fmt.Errorf("chunk terminator: %w", err)
		}
	}

	// Trailer section ends with an empty line.
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) == "" || err != nil {
			break
		}
	}

	resp.Body = body
	resp.BytesRead = len(body)
	return nil
}
