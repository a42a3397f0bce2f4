package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/golang-jwt/jwt/v5"
)

// Message expiry is enforced by the broker TTL and the token's exp claim,
// not by the Fernet layer, so the Fernet age window is effectively unbounded.
const fernetMaxAge = 100 * 365 * 24 * time.Hour

// Codec signs Envelopes into JWT tokens (HS256) and verifies them back.
// When an encryption key is configured, the payload is Fernet-encrypted
// before signing, so the signature always covers the ciphertext. Decode
// therefore verifies the signature before any decryption is attempted.
//
// The codec is a pure transform: it holds keys, no connection state, and
// is safe for concurrent use.
type Codec struct {
	signingKey []byte
	encKey     *fernet.Key // nil = payloads travel in the clear
}

// NewCodec builds a codec from an externally provisioned signing key and
// an optional Fernet encryption key (base64, as produced by `sagebus keygen`).
//
// There is deliberately no fallback to a generated per-instance key: two
// independently started agents could never decrypt each other's traffic
// with one, so a missing key is a configuration error, not a default.
func NewCodec(signingKey, encryptionKey string) (*Codec, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("signing key is required")
	}
	c := &Codec{signingKey: []byte(signingKey)}
	if encryptionKey != "" {
		k, err := fernet.DecodeKey(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		c.encKey = k
	}
	return c, nil
}

// Encrypting reports whether payloads will be encrypted on encode.
func (c *Codec) Encrypting() bool {
	return c.encKey != nil
}

// Encode serializes env into a signed token. All non-semantic variation
// (Fernet nonce, claim ordering) lives below the payload boundary; the
// decoded result is always field-for-field equal to the input.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	if !env.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformedEnvelope, env.Priority)
	}
	if _, err := ParseMessageType(string(env.Type)); err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	claims := jwt.MapClaims{
		"id":           env.ID,
		"sender":       env.Sender,
		"recipient":    env.Recipient,
		"message_type": string(env.Type),
		"priority":     int(env.Priority),
		"timestamp":    env.Timestamp.Format(time.RFC3339Nano),
	}
	if env.ExpiresAt != nil {
		claims["expires_at"] = env.ExpiresAt.Format(time.RFC3339Nano)
		claims["exp"] = env.ExpiresAt.Unix()
	} else {
		claims["expires_at"] = nil
	}
	if env.CorrelationID != "" {
		claims["correlation_id"] = env.CorrelationID
	} else {
		claims["correlation_id"] = nil
	}
	if env.ReplyTo != "" {
		claims["reply_to"] = env.ReplyTo
	} else {
		claims["reply_to"] = nil
	}

	if c.encKey != nil {
		tok, err := fernet.EncryptAndSign(payloadJSON, c.encKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		claims["payload"] = string(tok)
		claims["encrypted"] = true
	} else {
		// Round payload through JSON so custom types are normalized the
		// same way whether or not encryption is on.
		var plain any
		if err := json.Unmarshal(payloadJSON, &plain); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		claims["payload"] = plain
		claims["encrypted"] = false
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return []byte(signed), nil
}

// Decode verifies the token signature, then (if flagged) decrypts the
// payload, and reconstructs the Envelope. A token that fails verification
// is rejected outright; a flipped byte can never yield a wrong-field decode.
func (c *Codec) Decode(body []byte) (*Envelope, error) {
	parsed, err := jwt.Parse(string(body), func(t *jwt.Token) (any, error) {
		return c.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithStrictDecoding())
	if err != nil {
		// Expired-by-signature-scheme lands here too: the token is no
		// longer acceptable, same disposition as a forged one.
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrInvalidSignature)
	}

	env := &Envelope{
		ID:            claimString(claims, "id"),
		Sender:        claimString(claims, "sender"),
		Recipient:     claimString(claims, "recipient"),
		CorrelationID: claimString(claims, "correlation_id"),
		ReplyTo:       claimString(claims, "reply_to"),
	}
	if env.ID == "" || env.Sender == "" || env.Recipient == "" {
		return nil, fmt.Errorf("%w: id, sender and recipient are required", ErrMalformedEnvelope)
	}

	env.Type, err = ParseMessageType(claimString(claims, "message_type"))
	if err != nil {
		return nil, err
	}

	prio, ok := claims["priority"].(float64)
	if !ok || !Priority(int(prio)).Valid() {
		return nil, fmt.Errorf("%w: priority %v", ErrMalformedEnvelope, claims["priority"])
	}
	env.Priority = Priority(int(prio))

	env.Timestamp, err = time.Parse(time.RFC3339Nano, claimString(claims, "timestamp"))
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedEnvelope, err)
	}
	if raw := claimString(claims, "expires_at"); raw != "" {
		exp, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at: %v", ErrMalformedEnvelope, err)
		}
		env.ExpiresAt = &exp
	}

	encrypted, _ := claims["encrypted"].(bool)
	if encrypted {
		if c.encKey == nil {
			return nil, fmt.Errorf("%w: no encryption key configured", ErrDecryption)
		}
		tok, _ := claims["payload"].(string)
		plain := fernet.VerifyAndDecrypt([]byte(tok), fernetMaxAge, []*fernet.Key{c.encKey})
		if plain == nil {
			return nil, fmt.Errorf("%w: fernet token rejected", ErrDecryption)
		}
		if err := json.Unmarshal(plain, &env.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
	} else if raw, ok := claims["payload"].(map[string]any); ok {
		env.Payload = raw
	}

	return env, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
