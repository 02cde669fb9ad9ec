package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Delimiter separates routing identities from the signed message frames.
const Delimiter = "<IDS|MSG>"

var (
	// ErrNoDelimiter is returned for frames without the <IDS|MSG> separator.
	ErrNoDelimiter = errors.New("jupyter: missing message delimiter")
	// ErrShortMessage is returned when fewer than five frames follow the delimiter.
	ErrShortMessage = errors.New("jupyter: incomplete message")
	// ErrBadSignature is returned when the HMAC does not match.
	ErrBadSignature = errors.New("jupyter: invalid message signature")
)

// Signer computes message signatures for one connection. A Signer with an
// empty key signs nothing and accepts any signature.
type Signer struct {
	newHash func() hash.Hash
	key     []byte
}

// NewSigner builds a signer from a connection file's signature_scheme and
// key. The "hmac-" prefix of the scheme is optional.
func NewSigner(scheme, key string) (*Signer, error) {
	if key == "" {
		return &Signer{}, nil
	}
	var h func() hash.Hash
	switch strings.TrimPrefix(scheme, "hmac-") {
	case "sha256", "":
		h = sha256.New
	case "sha512":
		h = sha512.New
	case "sha1":
		h = sha1.New
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	return &Signer{newHash: h, key: []byte(key)}, nil
}

// Enabled reports whether messages are signed.
func (s *Signer) Enabled() bool {
	return s != nil && s.newHash != nil
}

// Sign returns the hex signature of the four message parts.
func (s *Signer) Sign(parts ...[]byte) []byte {
	if !s.Enabled() {
		return []byte{}
	}
	mac := hmac.New(s.newHash, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Verify checks sig against the message parts in constant time.
func (s *Signer) Verify(sig []byte, parts ...[]byte) bool {
	if !s.Enabled() {
		return true
	}
	return hmac.Equal(bytes.ToLower(sig), s.Sign(parts...))
}

// Serialize encodes msg into ZeroMQ frames.
func Serialize(msg *Message, signer *Signer) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	parent, err := marshalHeader(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("marshal parent header: %w", err)
	}
	metadata, err := json.Marshal(orEmpty(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	content, err := json.Marshal(orEmpty(msg.Content))
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	frames := make([][]byte, 0, len(msg.Identities)+6+len(msg.Buffers))
	frames = append(frames, msg.Identities...)
	frames = append(frames,
		[]byte(Delimiter),
		signer.Sign(header, parent, metadata, content),
		header, parent, metadata, content,
	)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Deserialize decodes ZeroMQ frames, verifying the signature.
func Deserialize(frames [][]byte, signer *Signer) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if string(f) == Delimiter {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNoDelimiter
	}
	rest := frames[idx+1:]
	if len(rest) < 5 {
		return nil, ErrShortMessage
	}

	sig, header, parent, metadata, content := rest[0], rest[1], rest[2], rest[3], rest[4]
	if !signer.Verify(sig, header, parent, metadata, content) {
		return nil, ErrBadSignature
	}

	msg := &Message{Identities: frames[:idx]}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	if err := unmarshalObject(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("unmarshal parent header: %w", err)
	}
	if err := unmarshalObject(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := unmarshalObject(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if len(rest) > 5 {
		msg.Buffers = rest[5:]
	}
	return msg, nil
}

func unmarshalObject(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
