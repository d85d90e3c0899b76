package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"time"

	"github.com/flashbots/fedround/crypto"
)

// MaxIdentityLength bounds client identities accepted by the server.
const MaxIdentityLength = 256

// FeatureMap is a model update or model delta keyed by parameter name.
type FeatureMap map[string][]float64

// Shape returns the length of every feature.
func (f FeatureMap) Shape() map[string]int {
	shape := make(map[string]int, len(f))
	for name, values := range f {
		shape[name] = len(values)
	}
	return shape
}

// MatchesShape reports whether f has exactly the features and lengths of shape.
func (f FeatureMap) MatchesShape(shape map[string]int) bool {
	if len(f) != len(shape) {
		return false
	}
	for name, values := range f {
		n, ok := shape[name]
		if !ok || n != len(values) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the feature map.
func (f FeatureMap) Clone() FeatureMap {
	if f == nil {
		return nil
	}
	out := make(FeatureMap, len(f))
	for name, values := range f {
		out[name] = append([]float64(nil), values...)
	}
	return out
}

// SignatureToken proves the update came from the holder of PublicKey at Timestamp.
type SignatureToken struct {
	// Timestamp is the signing time in Unix milliseconds.
	Timestamp int64            `json:"timestamp"`
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
}

// Time returns the token timestamp.
func (t SignatureToken) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// ClientUpdate is one client's contribution to an iteration.
type ClientUpdate struct {
	Identity string `json:"fl_id"`

	// Iteration pins the update to an iteration and is covered by the
	// signature. Zero targets the current one and is only accepted when
	// signatures are disabled.
	Iteration uint64         `json:"iteration,omitempty"`
	DataSize  uint64         `json:"data_size"`
	Features  FeatureMap     `json:"features"`
	Token     SignatureToken `json:"token"`
}

// Digest returns the bytes covered by the update signature.
func (u *ClientUpdate) Digest() []byte {
	return crypto.UpdateDigest(&crypto.DigestInput{
		Identity:  u.Identity,
		Iteration: u.Iteration,
		DataSize:  u.DataSize,
		Timestamp: u.Token.Timestamp,
		Features:  u.Features,
	})
}

// Sign stamps the update with at and signs it with privkey.
func (u *ClientUpdate) Sign(privkey crypto.PrivateKey, at time.Time) error {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return err
	}

	u.Token.Timestamp = at.UnixMilli()
	u.Token.PublicKey = pubkey

	signature, err := crypto.Sign(privkey, u.Digest())
	if err != nil {
		return err
	}
	u.Token.Signature = signature
	return nil
}

// Validate checks the update for structural errors. It does not verify the signature.
func (u *ClientUpdate) Validate() error {
	if u == nil {
		return newKernelError(StatusParseError, "empty request")
	}
	if u.Identity == "" {
		return newKernelError(StatusParseError, "missing fl_id")
	}
	if len(u.Identity) > MaxIdentityLength {
		return newKernelError(StatusParseError, "fl_id longer than %d bytes", MaxIdentityLength)
	}
	if u.DataSize == 0 {
		return newKernelError(StatusParseError, "data_size must be positive")
	}
	if len(u.Features) == 0 {
		return newKernelError(StatusParseError, "feature map is empty")
	}
	for name, values := range u.Features {
		if name == "" {
			return newKernelError(StatusParseError, "feature with empty name")
		}
		if len(values) == 0 {
			return newKernelError(StatusParseError, "feature %q has no values", name)
		}
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return newKernelError(StatusParseError, "feature %q has a non-finite value", name)
			}
		}
	}
	return nil
}

// GetModelRequest asks for the latest published global model.
type GetModelRequest struct {
	Identity string `json:"fl_id"`

	// Iteration, when set, requires the model of that iteration or newer.
	Iteration uint64 `json:"iteration,omitempty"`
}

// GlobalModel is the published result of an iteration.
type GlobalModel struct {
	Iteration    uint64     `json:"iteration"`
	Outcome      Outcome    `json:"outcome"`
	Participants uint32     `json:"participants"`
	DataSizeSum  uint64     `json:"data_size_sum"`
	Features     FeatureMap `json:"features"`
}

// IterationStatus describes the iteration currently collecting updates.
type IterationStatus struct {
	Iteration uint64     `json:"iteration"`
	State     RoundState `json:"state"`
	Count     uint32     `json:"count"`
	Threshold uint32     `json:"threshold"`
	StartedAt time.Time  `json:"started_at"`
	Deadline  time.Time  `json:"deadline"`
}

// Response is the answer of every kernel.
type Response struct {
	Code   ResponseCode `json:"code"`
	Status Status       `json:"status"`
	Reason string       `json:"reason,omitempty"`

	// NextRequestTime is the Unix millisecond time the client should come back at.
	NextRequestTime int64  `json:"next_req_time"`
	Iteration       uint64 `json:"iteration"`
	Count           uint32 `json:"count,omitempty"`

	Model *Signed[GlobalModel] `json:"model,omitempty"`
	Round *IterationStatus     `json:"round,omitempty"`
}

// Signed wraps a message with an Ed25519 signature for authentication.
// The signature covers the serialized object followed by the public key.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

// NewSigned creates a signed message.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	serializedData, err := SerializeMessage(obj)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(privkey, append(serializedData, pubkey...))
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: pubkey,
		Signature: signature,
		Object:    obj,
	}, nil
}

// UnsafeObject returns the object without signature verification.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover verifies the signature and returns the object and signer's public key.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	serializedData, err := SerializeMessage(s.Object)
	if err != nil {
		return nil, nil, err
	}

	ok := s.Signature.Verify(s.PublicKey, append(serializedData, s.PublicKey...))
	if !ok {
		return nil, nil, errors.New("signature not valid")
	}

	return s.Object, s.PublicKey, nil
}

// UnmarshalMessage deserializes a message from JSON bytes.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON bytes.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
