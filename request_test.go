package gemguard

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert builds a throwaway self-signed leaf certificate with dnsName
// as its sole subjectAltName entry, for exercising CheckURL's SAN check.
func selfSignedCert(t *testing.T, dnsName string) *x509.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsName},
		DNSNames:     []string{dnsName},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCheckURLRequiresCRLF(t *testing.T) {
	_, err := CheckURL("gemini://example.com/\n", 1965, nil)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = CheckURL("gemini://example.com/", 1965, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCheckURLMissingScheme(t *testing.T) {
	_, err := CheckURL("example.com/\r\n", 1965, nil)
	requestErr := requireRequestError(t, err)
	assert.Equal(t, StatusBadRequest, requestErr.Status)
}

func TestCheckURLNonGeminiScheme(t *testing.T) {
	_, err := CheckURL("https://example.com/\r\n", 1965, nil)
	requestErr := requireRequestError(t, err)
	assert.Equal(t, StatusProxyRequestRefused, requestErr.Status)
}

func TestCheckURLTooLong(t *testing.T) {
	raw := "gemini://example.com/" + strings.Repeat("x", 1100) + "\r\n"
	_, err := CheckURL(raw, 1965, nil)
	requestErr := requireRequestError(t, err)
	assert.Equal(t, StatusBadRequest, requestErr.Status)
}

func TestCheckURLAtLengthBoundary(t *testing.T) {
	path := strings.Repeat("x", maxRequestLineLength-len("gemini://example.com/"))
	raw := "gemini://example.com/" + path + "\r\n"
	require.Equal(t, maxRequestLineLength, len(strings.TrimSuffix(raw, "\r\n")))

	req, err := CheckURL(raw, 1965, nil)
	require.NoError(t, err)
	assert.Equal(t, "/"+path, req.URL.Path)
}

func TestCheckURLMalformedIPv6Brackets(t *testing.T) {
	tests := []string{
		"gemini://[::1/\r\n",    // unbalanced
		"gemini://]::1[/\r\n",   // out of order
		"gemini://[[::1]]/\r\n", // duplicated
	}
	for _, raw := range tests {
		_, err := CheckURL(raw, 1965, nil)
		requestErr := requireRequestError(t, err)
		assert.Equal(t, StatusBadRequest, requestErr.Status, raw)
	}
}

func TestCheckURLValidIPv6(t *testing.T) {
	req, err := CheckURL("gemini://[::1]:1965/\r\n", 1965, nil)
	require.NoError(t, err)
	assert.Equal(t, "::1", req.URL.Hostname())
}

func TestCheckURLInvalidPort(t *testing.T) {
	_, err := CheckURL("gemini://example.com:0/\r\n", 1965, nil)
	requestErr := requireRequestError(t, err)
	assert.Equal(t, StatusBadRequest, requestErr.Status)
}

func TestCheckURLPortMismatch(t *testing.T) {
	_, err := CheckURL("gemini://example.com:70/\r\n", 1965, nil)
	requestErr := requireRequestError(t, err)
	assert.Equal(t, StatusProxyRequestRefused, requestErr.Status)
}

func TestCheckURLMissingPortDefaultsOK(t *testing.T) {
	req, err := CheckURL("gemini://example.com/\r\n", 1965, nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com", req.URL.Hostname())
}

func TestCheckURLCertificateHostMismatch(t *testing.T) {
	cert := selfSignedCert(t, "example.net")
	_, err := CheckURL("gemini://example.com/\r\n", 1965, cert)
	requestErr := requireRequestError(t, err)
	assert.Equal(t, StatusProxyRequestRefused, requestErr.Status)
}

func TestCheckURLCertificateHostMatch(t *testing.T) {
	cert := selfSignedCert(t, "example.com")
	req, err := CheckURL("gemini://example.com/\r\n", 1965, cert)
	require.NoError(t, err)
	assert.Equal(t, "example.com", req.URL.Hostname())
}

func TestReceiveMessageStopsAtCRLF(t *testing.T) {
	r := strings.NewReader("gemini://example.com/\r\ntrailing garbage that should not be read")
	got, err := ReceiveMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "gemini://example.com/\r\n", got)
}

func TestReceiveMessageStopsAtCap(t *testing.T) {
	r := strings.NewReader(strings.Repeat("x", receiveMessageCap+100))
	got, err := ReceiveMessage(r)
	require.NoError(t, err)
	assert.Len(t, got, receiveMessageCap)
}

// timeoutReader simulates a read deadline expiry: net.Conn.Read returns an
// error satisfying net.Error with Timeout() true.
type timeoutReader struct{}

func (timeoutReader) Read([]byte) (int, error) { return 0, timeoutError{} }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestReceiveMessageTimeoutReturnsErrTimeout(t *testing.T) {
	_, err := ReceiveMessage(timeoutReader{})
	assert.ErrorIs(t, err, ErrTimeout)
}

// resetReader simulates a connection reset: Read returns a plain error that
// is neither io.EOF nor a timeout.
type resetReader struct{}

func (resetReader) Read([]byte) (int, error) { return 0, errConnReset }

var errConnReset = errors.New("connection reset by peer")

func TestReceiveMessageConnectionErrorReturnsErrConnectionError(t *testing.T) {
	_, err := ReceiveMessage(resetReader{})
	assert.ErrorIs(t, err, ErrConnectionError)
}

func requireRequestError(t *testing.T, err error) *RequestError {
	t.Helper()
	require.Error(t, err)
	var requestErr *RequestError
	require.ErrorAs(t, err, &requestErr)
	return requestErr
}
