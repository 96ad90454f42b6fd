package transport

import (
	"bytes"
	"strconv"

	"github.com/hublink/hublink-go/pkg/signing"
)

// DefaultMaxResponse is the default response body capacity.
const DefaultMaxResponse = 4096

// Request describes one signed POST.
type Request struct {
	// Host is the endpoint host name, optionally with ":port".
	Host string

	// Resource is the request path.
	Resource string

	// Body is the form-encoded request body.
	Body []byte

	// SignKey signs the body. Nil sends no X-Signature header.
	SignKey signing.Key

	// VerifyKeys are tried in order against the response signature.
	// Empty means the response is not verified.
	VerifyKeys []signing.Key

	// MaxResponse bounds the response body. Zero means DefaultMaxResponse.
	MaxResponse int
}

// encode renders the request bytes.
func (r *Request) encode() []byte {
	var b bytes.Buffer
	b.Grow(192 + len(r.Body))

	b.WriteString("POST ")
	b.WriteString(r.Resource)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(hostOnly(r.Host))
	b.WriteString("\r\nAccept: */*\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(r.Body)))
	b.WriteString("\r\n")
	if sig := signing.Sign(r.SignKey, r.Body); sig != "" {
		b.WriteString("X-Signature: ")
		b.WriteString(sig)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// SignedBlock returns the byte sequence a response signature covers.
// contentLength is the length that is signed; body must hold at least that
// many bytes.
func SignedBlock(update bool, encryption int, serverTime uint64, contentLength int, body []byte) []byte {
	var b bytes.Buffer
	if update {
		b.WriteString("X-Update:1;")
	}
	if encryption >= 0 {
		b.WriteString("X-Enc:")
		b.WriteString(strconv.Itoa(encryption))
		b.WriteByte(';')
	}
	b.WriteString("X-Time:")
	b.WriteString(strconv.FormatUint(serverTime, 10))
	b.WriteString(";Content-Length:")
	b.WriteString(strconv.Itoa(contentLength))
	b.WriteByte(';')
	b.Write(body[:contentLength])
	return b.Bytes()
}
