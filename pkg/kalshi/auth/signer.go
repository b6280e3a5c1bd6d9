// Package auth builds the signed headers Kalshi requires on the WebSocket
// upgrade request.
//
// The venue expects RSA-PSS over SHA-256 of
//
//	timestamp_ms + method + path
//
// base64-encoded without line breaks.
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
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderAccessKey       = "KALSHI-ACCESS-KEY"
	HeaderAccessSignature = "KALSHI-ACCESS-SIGNATURE"
	HeaderAccessTimestamp = "KALSHI-ACCESS-TIMESTAMP"

	// HandshakeMethod and HandshakePath are signed for every stream connection.
	HandshakeMethod = "GET"
	HandshakePath   = "/trade-api/ws/v2"
)

var (
	ErrEmptyKeyID      = errors.New("api key id is empty")
	ErrEmptyPrivateKey = errors.New("private key is empty")
	ErrNoPEMBlock      = errors.New("no PEM block found")
	ErrNotRSAKey       = errors.New("private key is not RSA")
)

// SigningError: ошибка разбора ключа или подписи. Заголовки в этом
// случае не возвращаются вовсе.
type SigningError struct {
	Stage string // "credentials" | "parse" | "sign"
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("kalshi auth: %s: %v", e.Stage, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Credentials: идентификатор API-ключа и приватный ключ в PEM.
type Credentials struct {
	KeyID         string
	PrivateKeyPEM string
}

// SaltProfile выбирает длину соли PSS.
type SaltProfile string

const (
	// SaltDigest: соль равна длине SHA-256 (32 байта). Профиль по умолчанию.
	SaltDigest SaltProfile = "digest"
	// SaltMax: максимально возможная соль для размера ключа.
	SaltMax SaltProfile = "max"
)

// ParseSaltProfile разбирает значение из конфигурации ("" → digest).
func ParseSaltProfile(s string) (SaltProfile, error) {
	switch SaltProfile(strings.ToLower(strings.TrimSpace(s))) {
	case "", SaltDigest:
		return SaltDigest, nil
	case SaltMax:
		return SaltMax, nil
	default:
		return "", fmt.Errorf("unknown salt profile %q (want digest|max)", s)
	}
}

func (p SaltProfile) saltLength() int {
	if p == SaltMax {
		return rsa.PSSSaltLengthAuto
	}
	return rsa.PSSSaltLengthEqualsHash
}

// NormalizePEM заменяет литеральные "\n" (два символа) на перевод строки.
// Нужен для ключей, пришедших одной строкой из переменной окружения.
func NormalizePEM(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// ParsePrivateKey нормализует PEM и разбирает RSA-ключ в PKCS#1 или PKCS#8.
func ParsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(pemStr) == "" {
		return nil, ErrEmptyPrivateKey
	}
	block, _ := pem.Decode([]byte(NormalizePEM(pemStr)))
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", block.Type, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return key, nil
}

// Timestamp форматирует время как десятичные миллисекунды Unix.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// SignedRequest: подписанная тройка timestamp/method/path.
type SignedRequest struct {
	TimestampMs string
	Method      string
	Path        string
	Signature   string // base64
}

// Message возвращает подписываемую строку: конкатенация без разделителей.
func (r SignedRequest) Message() string {
	return r.TimestampMs + r.Method + r.Path
}

// Headers: три заголовка аутентификации handshake.
type Headers struct {
	AccessKey       string
	AccessSignature string
	AccessTimestamp string
}

// Complete сообщает, заполнены ли все три значения.
func (h Headers) Complete() bool {
	return h.AccessKey != "" && h.AccessSignature != "" && h.AccessTimestamp != ""
}

// HTTPHeader собирает http.Header, сохраняя регистр имён заголовков.
func (h Headers) HTTPHeader() http.Header {
	hdr := make(http.Header, 3)
	hdr[HeaderAccessKey] = []string{h.AccessKey}
	hdr[HeaderAccessSignature] = []string{h.AccessSignature}
	hdr[HeaderAccessTimestamp] = []string{h.AccessTimestamp}
	return hdr
}

// Redacted возвращает значения, обрезанные до 20 символов, для логов.
func (h Headers) Redacted() map[string]string {
	return map[string]string{
		HeaderAccessKey:       truncate(h.AccessKey, 20),
		HeaderAccessSignature: truncate(h.AccessSignature, 20),
		HeaderAccessTimestamp: h.AccessTimestamp,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Signer подписывает запросы одним ключом. Ключ разбирается один раз в
// NewSigner, timestamp берётся заново при каждом вызове.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
	salt  SaltProfile
	now   func() time.Time
	rand  io.Reader
}

// Option настраивает Signer.
type Option func(*Signer)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithRand подменяет источник случайности для соли PSS.
func WithRand(r io.Reader) Option {
	return func(s *Signer) { s.rand = r }
}

// WithSaltProfile выбирает длину соли.
func WithSaltProfile(p SaltProfile) Option {
	return func(s *Signer) { s.salt = p }
}

// NewSigner проверяет Credentials и разбирает ключ.
func NewSigner(creds Credentials, opts ...Option) (*Signer, error) {
	if strings.TrimSpace(creds.KeyID) == "" {
		return nil, &SigningError{Stage: "credentials", Err: ErrEmptyKeyID}
	}
	key, err := ParsePrivateKey(creds.PrivateKeyPEM)
	if err != nil {
		return nil, &SigningError{Stage: "parse", Err: err}
	}
	s := &Signer{
		keyID: creds.KeyID,
		key:   key,
		salt:  SaltDigest,
		now:   time.Now,
		rand:  rand.Reader,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// KeyID возвращает идентификатор API-ключа.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey возвращает публичную часть ключа.
func (s *Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// SignRequest подписывает timestamp+method+path.
func (s *Signer) SignRequest(timestampMs, method, path string) (SignedRequest, error) {
	req := SignedRequest{TimestampMs: timestampMs, Method: method, Path: path}
	digest := sha256.Sum256([]byte(req.Message()))
	sig, err := rsa.SignPSS(s.rand, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: s.salt.saltLength(),
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return SignedRequest{}, &SigningError{Stage: "sign", Err: err}
	}
	req.Signature = base64.StdEncoding.EncodeToString(sig)
	return req, nil
}

// HandshakeHeaders подписывает GET /trade-api/ws/v2 с текущим временем.
// Либо возвращаются все три заголовка, либо ошибка.
func (s *Signer) HandshakeHeaders() (Headers, error) {
	req, err := s.SignRequest(Timestamp(s.now()), HandshakeMethod, HandshakePath)
	if err != nil {
		return Headers{}, err
	}
	h := Headers{
		AccessKey:       s.keyID,
		AccessSignature: req.Signature,
		AccessTimestamp: req.TimestampMs,
	}
	if !h.Complete() {
		return Headers{}, &SigningError{Stage: "sign", Err: errors.New("incomplete headers")}
	}
	return h, nil
}

// HandshakeHeaders: одноразовый вариант без сохранения Signer.
func HandshakeHeaders(creds Credentials, opts ...Option) (Headers, error) {
	s, err := NewSigner(creds, opts...)
	if err != nil {
		return Headers{}, err
	}
	return s.HandshakeHeaders()
}

// Verify проверяет подпись запроса публичным ключом. Длина соли
// определяется автоматически, поэтому подходят оба профиля.
func Verify(pub *rsa.PublicKey, req SignedRequest) error {
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(req.Message()))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
}
