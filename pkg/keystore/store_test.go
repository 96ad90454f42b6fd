package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]RegionStore {
	return map[string]RegionStore{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "nv")),
	}
}

func TestRegionStore(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(RegionDerivedKey)
			assert.ErrorIs(t, err, ErrRegionNotFound)

			require.NoError(t, s.Write(RegionDerivedKey, []byte{1, 2, 3}))
			got, err := s.Read(RegionDerivedKey)
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, got)

			got[0] = 9
			again, err := s.Read(RegionDerivedKey)
			require.NoError(t, err)
			assert.Equal(t, byte(1), again[0], "read must return a copy")

			require.NoError(t, s.Write(RegionDerivedKey, []byte{4}))
			got, err = s.Read(RegionDerivedKey)
			require.NoError(t, err)
			assert.Equal(t, []byte{4}, got)

			require.NoError(t, s.Erase(RegionDerivedKey))
			_, err = s.Read(RegionDerivedKey)
			assert.ErrorIs(t, err, ErrRegionNotFound)

			assert.NoError(t, s.Erase(RegionDerivedKey), "erasing twice is fine")
		})
	}
}

func TestInvalidRegion(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			for _, region := range []string{"", "../etc", "UPPER", "a/b"} {
				_, err := s.Read(region)
				assert.ErrorIs(t, err, ErrInvalidRegion, region)
				assert.ErrorIs(t, s.Write(region, nil), ErrInvalidRegion, region)
				assert.ErrorIs(t, s.Erase(region), ErrInvalidRegion, region)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	require.NoError(t, s.Write(RegionCert, []byte("cert")))

	reopened := NewFileStore(dir)
	got, err := reopened.Read(RegionCert)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestPEMRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hub"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	decodedCert, err := DecodeCertPEM(EncodeCertPEM(cert))
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, decodedCert.Raw)

	keyPEM, err := EncodeKeyPEM(key)
	require.NoError(t, err)
	decodedKey, err := DecodeKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(decodedKey))

	_, err = DecodeCertPEM([]byte("junk"))
	assert.ErrorIs(t, err, ErrInvalidPEM)
	_, err = DecodeKeyPEM(EncodeCertPEM(cert))
	assert.ErrorIs(t, err, ErrInvalidPEM)
}
