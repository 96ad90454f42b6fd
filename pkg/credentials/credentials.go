package credentials

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/hublink/hublink-go/pkg/backoff"
	"github.com/hublink/hublink-go/pkg/keystore"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/signing"
	"github.com/hublink/hublink-go/pkg/transport"
)

// Defaults.
const (
	DefaultResource          = "/api/credentials"
	DefaultProductID         = 1
	DefaultMinResponseLength = 3000
	DefaultMinClientIDLength = 5
	DefaultMaxResponse       = transport.DefaultMaxResponse
)

// DefaultBackoff paces credential requests.
var DefaultBackoff = backoff.Spec{
	Base:        2 * time.Second,
	Multiplier:  2,
	JitterMax:   time.Second,
	MaxAttempts: 8,
}

// Errors returned by RequestCredentials.
var (
	// ErrRetryWaiting means the backoff delay since the last attempt has
	// not elapsed yet.
	ErrRetryWaiting = errors.New("credential request backing off")

	// ErrRetriesExhausted means every allowed attempt failed. The backoff
	// has been reset.
	ErrRetriesExhausted = errors.New("credential request retries exhausted")

	// ErrRejected means the exchange failed or the response did not unpack.
	// The next attempt signs with the boot key.
	ErrRejected = errors.New("credentials rejected")

	// ErrMalformedRecord reports a response that does not parse.
	ErrMalformedRecord = errors.New("malformed credential record")

	// ErrBadBundle reports a certificate field that does not decode.
	ErrBadBundle = errors.New("invalid certificate bundle")

	// ErrNoCredentials means no certificate is held in memory or storage.
	ErrNoCredentials = errors.New("no credentials")
)

// Credentials is one accepted credential set.
type Credentials struct {
	Version     string
	AccountID   string
	ClientID    string
	Username    string
	Password    string
	NetworkType string
	BaseTopic   string
	Host        string

	// SigningKey is the key the server verified this set with.
	SigningKey signing.Key

	// CertificateBlob is the raw bundle. It is released once unpacked.
	CertificateBlob []byte

	DecodedCert *x509.Certificate
	DecodedKey  crypto.PrivateKey

	CertHash     [sha256.Size]byte
	KeyHash      [sha256.Size]byte
	CombinedHash uint32
}

// Config configures a Store.
type Config struct {
	// Host is the provisioning endpoint host.
	Host string

	// Resource is the request path. Empty means DefaultResource.
	Resource string

	// Serial is the hub serial number.
	Serial string

	// MAC is the hub's hardware address.
	MAC [6]byte

	// ProductID identifies the hub model. Zero means DefaultProductID.
	ProductID int

	FirmwareMajor int
	FirmwareMinor int

	// MinResponseLength is the shortest acceptable response body.
	MinResponseLength int

	// MinClientIDLength is the shortest acceptable client id.
	MinClientIDLength int

	// MaxResponse bounds the response body.
	MaxResponse int

	// Backoff paces requests. A zero Base means DefaultBackoff.
	Backoff backoff.Spec

	Clock  clock.Clock
	Logger *slog.Logger

	// Trace receives credential state changes. Nil disables tracing.
	Trace log.Logger
}

// DefaultConfig returns a configuration with default limits.
func DefaultConfig() Config {
	return Config{
		Resource:          DefaultResource,
		ProductID:         DefaultProductID,
		MinResponseLength: DefaultMinResponseLength,
		MinClientIDLength: DefaultMinClientIDLength,
		MaxResponse:       DefaultMaxResponse,
		Backoff:           DefaultBackoff,
	}
}

func (c *Config) applyDefaults() {
	if c.Resource == "" {
		c.Resource = DefaultResource
	}
	if c.ProductID == 0 {
		c.ProductID = DefaultProductID
	}
	if c.MinResponseLength <= 0 {
		c.MinResponseLength = DefaultMinResponseLength
	}
	if c.MinClientIDLength <= 0 {
		c.MinClientIDLength = DefaultMinClientIDLength
	}
	if c.MaxResponse <= 0 {
		c.MaxResponse = DefaultMaxResponse
	}
	if c.Backoff.Base == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.Trace = log.OrNoop(c.Trace)
}

// Store requests, unpacks and holds the hub's credentials.
type Store struct {
	cfg     Config
	poster  transport.Poster
	ring    *signing.KeyRing
	regions keystore.RegionStore
	backoff *backoff.State

	mu          sync.RWMutex
	creds       *Credentials
	preferFlash bool
	lastSource  signing.Source
}

// New creates a Store. Requests go through poster; keys come from ring and
// unpacked material is written to regions.
func New(cfg Config, poster transport.Poster, ring *signing.KeyRing, regions keystore.RegionStore) *Store {
	cfg.applyDefaults()
	return &Store{
		cfg:         cfg,
		poster:      poster,
		ring:        ring,
		regions:     regions,
		backoff:     backoff.NewState(cfg.Backoff, cfg.Clock),
		preferFlash: true,
	}
}

// RequestCredentials performs one paced provisioning exchange. A nil error
// means a new credential set was accepted.
//
// transport.ErrUpdateRequested is returned unwrapped when the server asks
// for a firmware update; the boot key has been persisted by then.
func (s *Store) RequestCredentials(ctx context.Context) error {
	switch s.backoff.Status() {
	case backoff.StatusWaiting:
		return ErrRetryWaiting
	case backoff.StatusFailed:
		s.backoff.Reset()
		s.cfg.Logger.Warn("credential request failed too many times")
		return ErrRetriesExhausted
	}
	s.backoff.Progress()

	key, src := s.selectKey()
	req := &transport.Request{
		Host:        s.cfg.Host,
		Resource:    s.cfg.Resource,
		Body:        s.requestBody(),
		SignKey:     key,
		VerifyKeys:  []signing.Key{s.ring.RAMKey()},
		MaxResponse: s.cfg.MaxResponse,
	}

	s.cfg.Logger.Debug("requesting credentials", "host", s.cfg.Host, "keySource", src, "attempt", s.backoff.Attempts())

	resp, err := s.poster.Post(ctx, req)
	switch {
	case errors.Is(err, transport.ErrUpdateRequested):
		s.HandleUpdate()
		return err
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		s.reject(err)
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	creds, err := s.unpack(resp.Body)
	if err != nil {
		s.reject(err)
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	if err := s.persistBootKey(); err != nil {
		s.cfg.Logger.Error("persist derived key", "error", err)
	}
	creds.SigningKey = s.ring.RAMKey()

	s.mu.Lock()
	s.creds = creds
	s.preferFlash = true
	s.mu.Unlock()

	s.backoff.Reset()
	s.cfg.Logger.Info("credentials accepted",
		"clientID", creds.ClientID,
		"host", creds.Host,
		"hash", fmt.Sprintf("%08x", creds.CombinedHash))
	s.traceState("ACCEPTED", "")
	return nil
}

// selectKey picks the signing key for the next request.
func (s *Store) selectKey() (signing.Key, signing.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := signing.SourceRAM
	if s.preferFlash {
		want = signing.SourceFlash
	}
	src := s.ring.Use(want)
	s.lastSource = src
	return s.ring.Current(), src
}

// reject records a failed attempt. The next one signs with the boot key.
func (s *Store) reject(err error) {
	s.mu.Lock()
	s.preferFlash = false
	s.mu.Unlock()
	s.cfg.Logger.Warn("credential request rejected", "error", err, "outcome", transport.Outcome(err))
	s.traceState("REJECTED", err.Error())
}

// persistBootKey stores the boot key and makes it the current key.
// HandleUpdate persists this boot's derived key, which the server switches
// to once it has issued a firmware-update directive. It is called for
// directives received on any exchange.
func (s *Store) HandleUpdate() {
	if err := s.persistBootKey(); err != nil {
		s.cfg.Logger.Error("persist derived key", "error", err)
	}
	s.traceState("UPDATE", "firmware update requested")
}

func (s *Store) persistBootKey() error {
	s.ring.Use(signing.SourceRAM)
	if err := s.ring.Store(); err != nil {
		return err
	}
	s.ring.Use(signing.SourceFlash)
	return nil
}

func (s *Store) requestBody() []byte {
	mac := s.cfg.MAC
	return []byte(fmt.Sprintf(
		"serial_number=%s&mac_address=%X&product_id=%d&firmware_version=%d.%d&bv=%s&tv=%d",
		s.cfg.Serial,
		mac[:],
		s.cfg.ProductID,
		s.cfg.FirmwareMajor, s.cfg.FirmwareMinor,
		s.ring.SecretText(),
		uint64(s.cfg.Clock.Now().UnixMilli()),
	))
}

// unpack parses a response, decodes its bundle and persists the material.
func (s *Store) unpack(body []byte) (*Credentials, error) {
	if len(body) < s.cfg.MinResponseLength {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedRecord, len(body), s.cfg.MinResponseLength)
	}
	creds, err := ParseRecord(body, s.cfg.MinClientIDLength)
	if err != nil {
		return nil, err
	}
	if len(creds.CertificateBlob) > 0 {
		if err := s.decodeBundle(creds); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// recordFields names the colon-terminated fields ahead of the certificate.
var recordFields = []string{
	"version", "id", "client_id", "username", "password", "network_type", "base_topic", "host",
}

// ParseRecord splits a credential record. Every field before the
// certificate must be terminated by a colon; the certificate is the base64
// remainder and may be empty.
func ParseRecord(body []byte, minClientID int) (*Credentials, error) {
	rest := string(body)
	values := make([]string, len(recordFields))
	for i, name := range recordFields {
		n := strings.IndexByte(rest, ':')
		if n < 0 {
			return nil, fmt.Errorf("%w: %s not terminated", ErrMalformedRecord, name)
		}
		values[i] = rest[:n]
		rest = rest[n+1:]
	}

	creds := &Credentials{
		Version:     values[0],
		AccountID:   values[1],
		ClientID:    values[2],
		Username:    values[3],
		Password:    values[4],
		NetworkType: values[5],
		BaseTopic:   values[6],
		Host:        values[7],
	}
	if len(creds.ClientID) < minClientID {
		return nil, fmt.Errorf("%w: client id %q too short", ErrMalformedRecord, creds.ClientID)
	}

	if cert := strings.TrimSpace(rest); cert != "" {
		blob, err := base64.StdEncoding.DecodeString(cert)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadBundle, err)
		}
		creds.CertificateBlob = blob
	}
	return creds, nil
}

// decodeBundle opens the PKCS#12 blob with the boot key text, writes the
// certificate and key to storage and releases the blob.
func (s *Store) decodeBundle(creds *Credentials) error {
	key, cert, err := pkcs12.Decode(creds.CertificateBlob, s.ring.RAMKey().Text())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadBundle, err)
	}
	if key == nil || cert == nil || len(cert.Raw) == 0 {
		return fmt.Errorf("%w: empty key or certificate", ErrBadBundle)
	}

	certPEM := keystore.EncodeCertPEM(cert)
	keyPEM, err := keystore.EncodeKeyPEM(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadBundle, err)
	}
	if err := s.regions.Write(keystore.RegionCert, certPEM); err != nil {
		return fmt.Errorf("persist certificate: %w", err)
	}
	if err := s.regions.Write(keystore.RegionPrivateKey, keyPEM); err != nil {
		return fmt.Errorf("persist private key: %w", err)
	}

	creds.CertificateBlob = nil
	creds.DecodedCert = cert
	creds.DecodedKey = key
	creds.CertHash = sha256.Sum256(certPEM)
	creds.KeyHash = sha256.Sum256(keyPEM)
	creds.CombinedHash = combineHashes(creds.CertHash, creds.KeyHash)
	return nil
}

// Credentials returns a copy of the accepted set.
func (s *Store) Credentials() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

// LastSource returns the key source used by the most recent request.
func (s *Store) LastSource() signing.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSource
}

// SigningKey returns the key outbound messages are signed with.
func (s *Store) SigningKey() signing.Key {
	return s.ring.Current()
}

// Backoff exposes the request pacing state for diagnostics.
func (s *Store) Backoff() *backoff.State {
	return s.backoff
}

// TLSCertificate returns the client certificate for the broker session,
// loading it from storage when no set has been accepted since boot.
func (s *Store) TLSCertificate() (*tls.Certificate, error) {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()

	if creds != nil && creds.DecodedCert != nil {
		return &tls.Certificate{
			Certificate: [][]byte{creds.DecodedCert.Raw},
			PrivateKey:  creds.DecodedKey,
			Leaf:        creds.DecodedCert,
		}, nil
	}

	certPEM, err := s.regions.Read(keystore.RegionCert)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}
	keyPEM, err := s.regions.Read(keystore.RegionPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}
	cert, err := keystore.DecodeCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecodeKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// CurrentHash recomputes the combined hash of the stored certificate and
// key. It returns 0 when either is missing.
func (s *Store) CurrentHash() uint32 {
	certPEM, err := s.regions.Read(keystore.RegionCert)
	if err != nil {
		return 0
	}
	keyPEM, err := s.regions.Read(keystore.RegionPrivateKey)
	if err != nil {
		return 0
	}
	return combineHashes(sha256.Sum256(certPEM), sha256.Sum256(keyPEM))
}

// Purge erases the stored key, certificate and private key and forgets the
// accepted set.
func (s *Store) Purge() error {
	var errs []error
	for _, region := range []string{keystore.RegionCert, keystore.RegionPrivateKey} {
		if err := s.regions.Erase(region); err != nil && !errors.Is(err, keystore.ErrRegionNotFound) {
			errs = append(errs, fmt.Errorf("erase %s: %w", region, err))
		}
	}
	if err := s.ring.Forget(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.creds = nil
	s.preferFlash = true
	s.mu.Unlock()
	s.backoff.Reset()

	s.traceState("PURGED", "")
	return errors.Join(errs...)
}

func (s *Store) traceState(state, reason string) {
	s.cfg.Trace.Log(log.Event{
		Timestamp: s.cfg.Clock.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerHTTP,
		Category:  log.CategoryState,
		HubSerial: s.cfg.Serial,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityCredentials,
			NewState: state,
			Reason:   reason,
		},
	})
}

// combineHashes XORs the little-endian 32-bit words of both digests.
func combineHashes(a, b [sha256.Size]byte) uint32 {
	var h uint32
	for i := 0; i < sha256.Size; i += 4 {
		h ^= binary.LittleEndian.Uint32(a[i:])
		h ^= binary.LittleEndian.Uint32(b[i:])
	}
	return h
}
