package exchange

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var signArgs abi.Arguments

func init() {
	stringTy, _ := abi.NewType("string", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	signArgs = abi.Arguments{
		{Type: stringTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint256Ty},
	}
}

// Signer produces authenticated request parameters for the exchange.
// It is read-only after construction and safe for concurrent use.
type Signer struct {
	user       common.Address
	signer     common.Address
	key        *ecdsa.PrivateKey
	recvWindow int64
}

// NewSigner loads the API wallet key. signer may be empty, in which case it is
// derived from the key. recvWindow is the freshness window sent with every request.
func NewSigner(user, signer, privateKey string, recvWindow time.Duration) (*Signer, error) {
	if user == "" || privateKey == "" {
		return nil, fmt.Errorf("%w: user and private key are required", ErrAuthenticationFailed)
	}
	if !common.IsHexAddress(user) {
		return nil, fmt.Errorf("%w: user %q is not an address", ErrAuthenticationFailed, user)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrAuthenticationFailed, err)
	}
	derived := crypto.PubkeyToAddress(key.PublicKey)

	if signer == "" {
		signer = derived.Hex()
	}
	if !common.IsHexAddress(signer) {
		return nil, fmt.Errorf("%w: signer %q is not an address", ErrAuthenticationFailed, signer)
	}
	if common.HexToAddress(signer) != derived {
		return nil, fmt.Errorf("%w: private key belongs to %s, not signer %s", ErrAuthenticationFailed, derived.Hex(), signer)
	}

	return &Signer{
		user:       common.HexToAddress(user),
		signer:     derived,
		key:        key,
		recvWindow: recvWindow.Milliseconds(),
	}, nil
}

// User is the account address orders are placed for.
func (s *Signer) User() common.Address { return s.user }

// Address is the API wallet address that signs.
func (s *Signer) Address() common.Address { return s.signer }

// SignedRequest carries everything the exchange needs to authenticate a call.
type SignedRequest struct {
	Params    map[string]string
	Payload   string
	User      string
	Signer    string
	Nonce     uint64
	Signature string
}

// Values renders the request as form/query values.
func (r *SignedRequest) Values() url.Values {
	v := make(url.Values, len(r.Params)+4)
	for k, val := range r.Params {
		v.Set(k, val)
	}
	v.Set("user", r.User)
	v.Set("signer", r.Signer)
	v.Set("nonce", strconv.FormatUint(r.Nonce, 10))
	v.Set("signature", r.Signature)
	return v
}

// Sign merges the freshness window and timestamp into params, canonicalises them and
// signs keccak256(abi.encode(json, user, signer, nonce)) with personal_sign.
// The result depends only on params, nonce, ts and the keys.
func (s *Signer) Sign(params map[string]any, nonce uint64, ts time.Time) (*SignedRequest, error) {
	if s == nil || s.key == nil {
		return nil, fmt.Errorf("%w: no signer configured", ErrAuthenticationFailed)
	}

	merged := make(map[string]any, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	if _, ok := merged["recvWindow"]; !ok {
		merged["recvWindow"] = s.recvWindow
	}
	merged["timestamp"] = ts.UnixMilli()

	canon, err := Canonicalize(merged)
	if err != nil {
		return nil, err
	}
	payload, err := CanonicalJSON(canon)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeTuple(payload, s.user, s.signer, nonce)
	if err != nil {
		return nil, err
	}

	hash := crypto.Keccak256(encoded)
	sig, err := crypto.Sign(accounts.TextHash(hash), s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrAuthenticationFailed, err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return &SignedRequest{
		Params:    canon,
		Payload:   payload,
		User:      s.user.Hex(),
		Signer:    s.signer.Hex(),
		Nonce:     nonce,
		Signature: "0x" + hex.EncodeToString(sig),
	}, nil
}

// EncodeTuple ABI-encodes (string, address, address, uint256).
func EncodeTuple(payload string, user, signer common.Address, nonce uint64) ([]byte, error) {
	out, err := signArgs.Pack(payload, user, signer, new(big.Int).SetUint64(nonce))
	if err != nil {
		return nil, fmt.Errorf("abi encode: %w", err)
	}
	return out, nil
}

// Canonicalize converts every value to its string form and drops nil values.
func Canonicalize(params map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		s, ok, err := canonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", k, err)
		}
		if ok {
			out[k] = s
		}
	}
	return out, nil
}

func canonicalValue(v any) (string, bool, error) {
	switch x := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return x, true, nil
	case bool:
		return strconv.FormatBool(x), true, nil
	case int:
		return strconv.Itoa(x), true, nil
	case int32:
		return strconv.FormatInt(int64(x), 10), true, nil
	case int64:
		return strconv.FormatInt(x, 10), true, nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true, nil
	case uint64:
		return strconv.FormatUint(x, 10), true, nil
	case float32:
		return decimal.NewFromFloat32(x).String(), true, nil
	case float64:
		return decimal.NewFromFloat(x).String(), true, nil
	case decimal.Decimal:
		return x.String(), true, nil
	case *big.Int:
		if x == nil {
			return "", false, nil
		}
		return x.String(), true, nil
	case fmt.Stringer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "", false, nil
		}
		return x.String(), true, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "", false, nil
		}
		return canonicalValue(rv.Elem().Interface())
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
			return "", false, nil
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return "", false, err
		}
		return strings.TrimSuffix(buf.String(), "\n"), true, nil
	}
	return fmt.Sprint(v), true, nil
}

// CanonicalJSON writes params as a JSON object with ASCII-sorted keys and no whitespace.
func CanonicalJSON(params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(k); err != nil {
			return "", err
		}
		buf.Truncate(buf.Len() - 1) // Encode appends a newline
		buf.WriteByte(':')
		if err := enc.Encode(params[k]); err != nil {
			return "", err
		}
		buf.Truncate(buf.Len() - 1)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// nonceSource hands out strictly increasing microsecond nonces.
type nonceSource struct {
	last atomic.Uint64
}

func (n *nonceSource) next(now time.Time) uint64 {
	var v uint64
	if us := now.UnixMicro(); us > 0 {
		v = uint64(us)
	}
	for {
		last := n.last.Load()
		candidate := v
		if candidate <= last {
			candidate = last + 1
		}
		if n.last.CompareAndSwap(last, candidate) {
			return candidate
		}
	}
}
