package credentials

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/hublink/hublink-go/pkg/keystore"
	"github.com/hublink/hublink-go/pkg/signing"
	"github.com/hublink/hublink-go/pkg/transport"
)

var testNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

type mockPoster struct{ mock.Mock }

func (m *mockPoster) Post(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*transport.Response)
	return resp, args.Error(1)
}

type fixture struct {
	poster  *mockPoster
	ring    *signing.KeyRing
	regions *keystore.MemoryStore
	clock   *testclock.Clock
	store   *Store
	reqs    []*transport.Request
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		poster:  &mockPoster{},
		regions: keystore.NewMemoryStore(),
		clock:   testclock.NewClock(testNow),
	}
	ring, err := signing.NewKeyRing(f.regions, "H010-0123456", bytes.NewReader(bytes.Repeat([]byte{0x5a}, signing.SecretSize)))
	require.NoError(t, err)
	f.ring = ring

	cfg := DefaultConfig()
	cfg.Host = "hub.example.com"
	cfg.Serial = "H010-0123456"
	cfg.MAC = [6]byte{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}
	cfg.FirmwareMajor = 2
	cfg.FirmwareMinor = 43
	cfg.Clock = f.clock
	if mutate != nil {
		mutate(&cfg)
	}
	f.store = New(cfg, f.poster, ring, f.regions)
	return f
}

// respond answers every Post with resp and err and records the requests.
func (f *fixture) respond(resp *transport.Response, err error) {
	f.poster.On("Post", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			f.reqs = append(f.reqs, args.Get(1).(*transport.Request))
		}).
		Return(resp, err)
}

// bundle builds a base64 PKCS#12 bundle protected by password.
func bundle(t *testing.T, password string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "H010-0123456"},
		NotBefore:    testNow.Add(-time.Hour),
		NotAfter:     testNow.Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pfx, err := pkcs12.Modern.Encode(key, cert, nil, password)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pfx)
}

func record(cert string) string {
	return fmt.Sprintf("v02:4411:H010-0123456:hubuser:s3cret:1:hubs/4411:broker.example.com:%s", cert)
}

func TestRequestBody(t *testing.T) {
	f := newFixture(t, nil)
	f.respond(&transport.Response{StatusCode: 200, Body: []byte("short")}, nil)

	_ = f.store.RequestCredentials(context.Background())
	require.Len(t, f.reqs, 1)
	req := f.reqs[0]

	assert.Equal(t, "hub.example.com", req.Host)
	assert.Equal(t, DefaultResource, req.Resource)
	want := fmt.Sprintf("serial_number=H010-0123456&mac_address=001A2B3C4D5E&product_id=1&firmware_version=2.43&bv=%s&tv=%d",
		f.ring.SecretText(), testNow.UnixMilli())
	assert.Equal(t, want, string(req.Body))
	assert.Regexp(t, regexp.MustCompile(`&bv=[0-9a-f]{32}&`), string(req.Body))

	require.Len(t, req.VerifyKeys, 1)
	assert.True(t, req.VerifyKeys[0].Equal(f.ring.RAMKey()), "responses are verified with the boot key")
	assert.True(t, req.SignKey.Equal(f.ring.RAMKey()), "no stored key yet, boot key signs")
}

func TestRequestCredentialsSuccess(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinResponseLength = 100 })
	body := record(bundle(t, f.ring.RAMKey().Text()))
	f.respond(&transport.Response{StatusCode: 200, Body: []byte(body)}, nil)

	require.NoError(t, f.store.RequestCredentials(context.Background()))

	creds, ok := f.store.Credentials()
	require.True(t, ok)
	assert.Equal(t, "v02", creds.Version)
	assert.Equal(t, "4411", creds.AccountID)
	assert.Equal(t, "H010-0123456", creds.ClientID)
	assert.Equal(t, "hubuser", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)
	assert.Equal(t, "1", creds.NetworkType)
	assert.Equal(t, "hubs/4411", creds.BaseTopic)
	assert.Equal(t, "broker.example.com", creds.Host)
	assert.Nil(t, creds.CertificateBlob, "blob released after unpack")
	require.NotNil(t, creds.DecodedCert)
	assert.Equal(t, "H010-0123456", creds.DecodedCert.Subject.CommonName)
	assert.NotNil(t, creds.DecodedKey)

	// Key persisted and current.
	stored, err := f.regions.Read(keystore.RegionDerivedKey)
	require.NoError(t, err)
	assert.True(t, signing.Key(stored).Equal(f.ring.RAMKey()))
	assert.Equal(t, signing.SourceFlash, f.ring.CurrentSource())

	// Material persisted, hash stable.
	_, err = f.regions.Read(keystore.RegionCert)
	require.NoError(t, err)
	_, err = f.regions.Read(keystore.RegionPrivateKey)
	require.NoError(t, err)
	assert.NotZero(t, creds.CombinedHash)
	assert.Equal(t, creds.CombinedHash, f.store.CurrentHash())

	tlsCert, err := f.store.TLSCertificate()
	require.NoError(t, err)
	assert.Equal(t, creds.DecodedCert.Raw, tlsCert.Certificate[0])

	assert.Equal(t, 0, f.store.Backoff().Attempts(), "backoff reset on success")
}

func TestShortResponseRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.respond(&transport.Response{StatusCode: 200, Body: []byte(strings.Repeat("x", 100))}, nil)

	err := f.store.RequestCredentials(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, ok := f.store.Credentials()
	assert.False(t, ok)
	_, err = f.regions.Read(keystore.RegionDerivedKey)
	assert.ErrorIs(t, err, keystore.ErrRegionNotFound, "nothing persisted on rejection")
}

func TestKeySourceAlternatesAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	flashKey := signing.Key(bytes.Repeat([]byte{0x42}, signing.KeySize))
	require.NoError(t, f.regions.Write(keystore.RegionDerivedKey, flashKey))
	f.respond(nil, fmt.Errorf("read: %w", transport.ErrSignatureMismatch))

	err := f.store.RequestCredentials(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, transport.ErrSignatureMismatch)
	assert.Equal(t, signing.SourceFlash, f.store.LastSource())

	f.clock.Advance(time.Minute)
	_ = f.store.RequestCredentials(context.Background())
	assert.Equal(t, signing.SourceRAM, f.store.LastSource())

	require.Len(t, f.reqs, 2)
	assert.True(t, f.reqs[0].SignKey.Equal(flashKey), "first attempt signs with the stored key")
	assert.True(t, f.reqs[1].SignKey.Equal(f.ring.RAMKey()), "after a failure the boot key signs")
	for _, req := range f.reqs {
		assert.True(t, req.VerifyKeys[0].Equal(f.ring.RAMKey()))
	}
}

func TestBackoffGatesRequests(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Backoff.MaxAttempts = 2
	})
	f.respond(nil, transport.ErrServerError)
	ctx := context.Background()

	assert.ErrorIs(t, f.store.RequestCredentials(ctx), ErrRejected)
	assert.ErrorIs(t, f.store.RequestCredentials(ctx), ErrRetryWaiting)
	assert.Len(t, f.reqs, 1, "waiting does not post")

	f.clock.Advance(time.Minute)
	assert.ErrorIs(t, f.store.RequestCredentials(ctx), ErrRejected)

	f.clock.Advance(time.Minute)
	assert.ErrorIs(t, f.store.RequestCredentials(ctx), ErrRetriesExhausted)
	assert.Len(t, f.reqs, 2)

	// Reset on exhaustion, so the next call posts again.
	assert.ErrorIs(t, f.store.RequestCredentials(ctx), ErrRejected)
	assert.Len(t, f.reqs, 3)
}

func TestUpdateRequestedPersistsKey(t *testing.T) {
	f := newFixture(t, nil)
	f.respond(&transport.Response{StatusCode: 200, UpdateRequested: true}, transport.ErrUpdateRequested)

	err := f.store.RequestCredentials(context.Background())
	assert.True(t, errors.Is(err, transport.ErrUpdateRequested))
	assert.False(t, errors.Is(err, ErrRejected))

	stored, err := f.regions.Read(keystore.RegionDerivedKey)
	require.NoError(t, err)
	assert.True(t, signing.Key(stored).Equal(f.ring.RAMKey()))
}

func TestHandleUpdateOutsideRequest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.regions.Read(keystore.RegionDerivedKey)
	require.Error(t, err)

	f.store.HandleUpdate()

	stored, err := f.regions.Read(keystore.RegionDerivedKey)
	require.NoError(t, err)
	assert.True(t, signing.Key(stored).Equal(f.ring.RAMKey()))
	assert.Equal(t, signing.SourceFlash, f.ring.CurrentSource())
	f.poster.AssertNotCalled(t, "Post", mock.Anything, mock.Anything)
}

func TestBundleWithWrongPasswordRejected(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinResponseLength = 100 })
	f.respond(&transport.Response{StatusCode: 200, Body: []byte(record(bundle(t, "not-the-key")))}, nil)

	err := f.store.RequestCredentials(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrBadBundle)
	_, err = f.regions.Read(keystore.RegionCert)
	assert.ErrorIs(t, err, keystore.ErrRegionNotFound)
}

func TestContextCancelledKeepsKeySource(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.respond(nil, context.Canceled)

	err := f.store.RequestCredentials(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		check   func(t *testing.T, c *Credentials)
	}{
		{
			name:    "empty server answer",
			input:   "v02:0::::1:::",
			wantErr: ErrMalformedRecord,
		},
		{
			name:    "host not terminated",
			input:   "v02:1:H010-0123456:u:p:1:base:broker",
			wantErr: ErrMalformedRecord,
		},
		{
			name:    "client id too short",
			input:   "v02:1:abcd:u:p:1:base:broker:",
			wantErr: ErrMalformedRecord,
		},
		{
			name:    "certificate not base64",
			input:   "v02:1:H010-0123456:u:p:1:base:broker:!!!",
			wantErr: ErrBadBundle,
		},
		{
			name:  "no certificate",
			input: "v02:1:H010-0123456:u:p:1:base:broker:",
			check: func(t *testing.T, c *Credentials) {
				assert.Equal(t, "broker", c.Host)
				assert.Nil(t, c.CertificateBlob)
			},
		},
		{
			name:  "certificate with trailing newline",
			input: "v02:1:H010-0123456:u:p:1:base:broker:AQID\r\n",
			check: func(t *testing.T, c *Credentials) {
				assert.Equal(t, []byte{1, 2, 3}, c.CertificateBlob)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseRecord([]byte(tt.input), DefaultMinClientIDLength)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestTLSCertificateFromStorage(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinResponseLength = 100 })
	f.respond(&transport.Response{StatusCode: 200, Body: []byte(record(bundle(t, f.ring.RAMKey().Text())))}, nil)
	require.NoError(t, f.store.RequestCredentials(context.Background()))
	want, _ := f.store.Credentials()

	// A store created after a reboot sees the persisted material.
	rebooted := New(DefaultConfig(), f.poster, f.ring, f.regions)
	cert, err := rebooted.TLSCertificate()
	require.NoError(t, err)
	assert.Equal(t, want.DecodedCert.Raw, cert.Certificate[0])
	assert.Equal(t, want.CombinedHash, rebooted.CurrentHash())
}

func TestPurge(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinResponseLength = 100 })
	f.respond(&transport.Response{StatusCode: 200, Body: []byte(record(bundle(t, f.ring.RAMKey().Text())))}, nil)
	require.NoError(t, f.store.RequestCredentials(context.Background()))

	require.NoError(t, f.store.Purge())

	assert.Zero(t, f.store.CurrentHash())
	_, ok := f.store.Credentials()
	assert.False(t, ok)
	_, err := f.store.TLSCertificate()
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = f.regions.Read(keystore.RegionDerivedKey)
	assert.ErrorIs(t, err, keystore.ErrRegionNotFound)
	assert.Equal(t, signing.SourceRAM, f.ring.CurrentSource())
}

func TestCombineHashes(t *testing.T) {
	var a, b [32]byte
	a[0] = 0x01
	b[4] = 0x02
	assert.Equal(t, uint32(0x03), combineHashes(a, b))
	assert.Equal(t, uint32(0), combineHashes(a, a))
}
