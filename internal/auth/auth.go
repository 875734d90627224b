// Package auth signs the WebSocket handshake with an RSA-PSS key so that a
// provider can authenticate the session before any command is sent.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Handshake header names.
const (
	HeaderKey       = "MKT-ACCESS-KEY"
	HeaderTimestamp = "MKT-ACCESS-TIMESTAMP"
	HeaderSignature = "MKT-ACCESS-SIGNATURE"
)

// MaxClockSkew bounds how old a signed timestamp may be when verified.
const MaxClockSkew = 30 * time.Second

// Errors
var (
	ErrMissingKeyID   = errors.New("API key ID is required")
	ErrMissingKeyPath = errors.New("private key path is required")
	ErrMissingHeaders = errors.New("missing authentication headers")
	ErrExpired        = errors.New("signature timestamp out of range")
	ErrBadSignature   = errors.New("invalid signature")
)

// Credentials holds the API key and private key for signing requests.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if privateKeyPath == "" {
		return nil, ErrMissingKeyPath
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// PKCS#8 first, then PKCS#1
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// LoadPublicKey loads an RSA public key from a PEM file in PKIX or PKCS#1
// form, or extracts it from a private key file.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return rsaKey, nil
	default:
		priv, err := LoadPrivateKey(path)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	}
}

// SignRequest returns the handshake headers for method and path.
func (c *Credentials) SignRequest(method, path string) (http.Header, error) {
	return c.signAt(time.Now(), method, path)
}

// SignWebSocket returns the handshake headers for a WebSocket upgrade on path.
func (c *Credentials) SignWebSocket(path string) (http.Header, error) {
	return c.SignRequest(http.MethodGet, path)
}

func (c *Credentials) signAt(now time.Time, method, path string) (http.Header, error) {
	timestampMs := now.UnixMilli()

	hashed := sha256.Sum256([]byte(signingString(timestampMs, method, path)))
	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	h := http.Header{}
	h.Set(HeaderKey, c.KeyID)
	h.Set(HeaderTimestamp, strconv.FormatInt(timestampMs, 10))
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(signature))
	return h, nil
}

// Verify checks the handshake headers of r against pub. It returns the key
// ID on success.
func Verify(pub *rsa.PublicKey, r *http.Request, now time.Time) (string, error) {
	keyID := r.Header.Get(HeaderKey)
	ts := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	if keyID == "" || ts == "" || sig == "" {
		return "", ErrMissingHeaders
	}

	timestampMs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: timestamp %q", ErrBadSignature, ts)
	}
	skew := now.Sub(time.UnixMilli(timestampMs))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return "", fmt.Errorf("%w: skew %s", ErrExpired, skew)
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadSignature, err)
	}

	hashed := sha256.Sum256([]byte(signingString(timestampMs, r.Method, r.URL.Path)))
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], raw, opts); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return keyID, nil
}

// signingString is timestamp_ms + method + path.
func signingString(timestampMs int64, method, path string) string {
	return strconv.FormatInt(timestampMs, 10) + method + path
}
