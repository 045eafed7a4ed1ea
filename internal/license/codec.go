package license

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MacJediWizard/keyforge/internal/crypto"
	"github.com/google/uuid"
)

const (
	// ChunkSize is the number of characters per hyphen-separated key group.
	ChunkSize = 8

	payloadFields    = 5
	payloadDelimiter = "|"
	nonceLength      = 32
	chunkSeparator   = "-"
)

// keyEncoding is unpadded base64 over a URL-safe alphabet that avoids the
// chunk separator: the URL-safe '-' is replaced with '.'.
var keyEncoding = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._",
).WithPadding(base64.NoPadding).Strict()

// Payload is the structured data sealed inside a credential.
type Payload struct {
	ProductID string
	Type      Type
	Start     time.Time
	End       time.Time
	Nonce     string
}

// NewPayload builds a payload with a fresh random nonce.
func NewPayload(productID string, t Type, start, end time.Time) Payload {
	return Payload{
		ProductID: productID,
		Type:      t,
		Start:     start,
		End:       end,
		Nonce:     newNonce(),
	}
}

func newNonce() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Equal reports whether two payloads carry the same fields.
func (p Payload) Equal(o Payload) bool {
	return p.ProductID == o.ProductID &&
		p.Type == o.Type &&
		p.Start.Equal(o.Start) &&
		p.End.Equal(o.End) &&
		p.Nonce == o.Nonce
}

// Validate checks that the payload can be encoded and decoded losslessly.
func (p Payload) Validate() error {
	if p.ProductID == "" {
		return fmt.Errorf("%w: product ID is required", ErrInvalidPayload)
	}
	if strings.Contains(p.ProductID, payloadDelimiter) {
		return fmt.Errorf("%w: product ID must not contain %q", ErrInvalidPayload, payloadDelimiter)
	}
	if !utf8.ValidString(p.ProductID) {
		return fmt.Errorf("%w: product ID must be valid UTF-8", ErrInvalidPayload)
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("%w: unknown license type %q", ErrInvalidPayload, p.Type)
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: validity window is required", ErrInvalidPayload)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: window end is before start", ErrInvalidPayload)
	}
	// RFC 3339 timestamps carry exactly four year digits.
	if !encodableYear(p.Start) || !encodableYear(p.End) {
		return fmt.Errorf("%w: window must fall within years 0000-9999", ErrInvalidPayload)
	}
	if !validNonce(p.Nonce) {
		return fmt.Errorf("%w: nonce must be %d lowercase hex characters", ErrInvalidPayload, nonceLength)
	}
	return nil
}

func encodableYear(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 0 && y <= 9999
}

func validNonce(s string) bool {
	if len(s) != nonceLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (p Payload) serialize() string {
	return strings.Join([]string{
		p.ProductID,
		string(p.Type),
		p.Start.UTC().Format(time.RFC3339Nano),
		p.End.UTC().Format(time.RFC3339Nano),
		p.Nonce,
	}, payloadDelimiter)
}

// Codec turns payloads into credentials and back.
type Codec struct {
	cipher *crypto.CBCCipher
}

// NewCodec creates a codec keyed by the SHA-256 of secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: shared secret is required", ErrInvalidRequest)
	}
	c, err := crypto.NewCBCCipher(crypto.DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Codec{cipher: c}, nil
}

// NewCodecWithCipher creates a codec around an existing cipher.
func NewCodecWithCipher(c *crypto.CBCCipher) *Codec {
	return &Codec{cipher: c}
}

// Encode seals the payload into a hyphen-grouped credential string.
func (c *Codec) Encode(p Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	sealed, err := c.cipher.Encrypt([]byte(p.serialize()))
	if err != nil {
		return "", fmt.Errorf("encrypt payload: %w", err)
	}

	return formatKey(keyEncoding.EncodeToString(sealed)), nil
}

// Decode opens a credential. Every failure is reported as
// ErrMalformedCredential without further detail.
func (c *Codec) Decode(credential string) (Payload, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(credential), chunkSeparator, "")
	if raw == "" {
		return Payload{}, ErrMalformedCredential
	}

	sealed, err := keyEncoding.DecodeString(raw)
	if err != nil {
		return Payload{}, ErrMalformedCredential
	}

	plain, err := c.cipher.Decrypt(sealed)
	if err != nil {
		return Payload{}, ErrMalformedCredential
	}

	p, ok := parsePayload(plain)
	if !ok {
		return Payload{}, ErrMalformedCredential
	}
	return p, nil
}

func parsePayload(plain []byte) (Payload, bool) {
	if !utf8.Valid(plain) {
		return Payload{}, false
	}
	parts := strings.Split(string(plain), payloadDelimiter)
	if len(parts) != payloadFields {
		return Payload{}, false
	}

	t, err := ParseType(parts[1])
	if err != nil {
		return Payload{}, false
	}
	start, err := time.Parse(time.RFC3339Nano, parts[2])
	if err != nil {
		return Payload{}, false
	}
	end, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return Payload{}, false
	}

	p := Payload{
		ProductID: parts[0],
		Type:      t,
		Start:     start,
		End:       end,
		Nonce:     parts[4],
	}
	if p.Validate() != nil {
		return Payload{}, false
	}
	return p, true
}

func formatKey(encoded string) string {
	chunks := make([]string, 0, (len(encoded)+ChunkSize-1)/ChunkSize)
	for i := 0; i < len(encoded); i += ChunkSize {
		end := min(i+ChunkSize, len(encoded))
		chunks = append(chunks, encoded[i:end])
	}
	return strings.Join(chunks, chunkSeparator)
}
