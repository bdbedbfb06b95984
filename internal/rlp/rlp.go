// Package rlp implements the canonical RLP (recursive length prefix) byte
// encoding used for authorization tuples and delegated transaction payloads.
//
// Every signing digest in this repository is computed over RLP output, so the
// encoder must match the reference algorithm exactly: minimal big-endian
// integers, no leading zero bytes, and zero encoded as the empty byte string.
package rlp

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	shortStringOffset = 0x80
	longStringOffset  = 0xb7
	shortListOffset   = 0xc0
	longListOffset    = 0xf7
	maxShortLength    = 55
)

var (
	// ErrUnsupportedType is returned when Encode receives a value outside the
	// supported set of byte strings, unsigned integers, addresses and lists.
	ErrUnsupportedType = errors.New("rlp: unsupported type")

	// ErrNegativeInteger is returned for negative big integers, which have no
	// RLP representation.
	ErrNegativeInteger = errors.New("rlp: negative integer")

	// ErrMalformed is returned by Decode for input that is not canonical RLP.
	ErrMalformed = errors.New("rlp: malformed input")
)

// List is an ordered, heterogeneous sequence of encodable items.
type List []any

// Item is the result of decoding: either a byte string or a nested list.
type Item struct {
	IsList bool
	Str    []byte
	List   []Item
}

// Encode serializes v into canonical RLP bytes.
//
// Supported value types: []byte, string, uint64, *big.Int, *uint256.Int,
// common.Address, List, and Item. Integers are encoded as minimal big-endian
// byte strings; zero becomes the empty string, never a single 0x00 byte.
func Encode(v any) ([]byte, error) {
	return appendEncoded(nil, v)
}

func appendEncoded(dst []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return appendString(dst, val), nil
	case string:
		return appendString(dst, []byte(val)), nil
	case common.Address:
		return appendString(dst, val.Bytes()), nil
	case uint64:
		return appendString(dst, minimalUint(val)), nil
	case *big.Int:
		if val == nil {
			return appendString(dst, nil), nil
		}
		if val.Sign() < 0 {
			return nil, ErrNegativeInteger
		}
		return appendString(dst, val.Bytes()), nil
	case *uint256.Int:
		if val == nil {
			return appendString(dst, nil), nil
		}
		return appendString(dst, val.Bytes()), nil
	case List:
		return appendList(dst, val)
	case Item:
		if !val.IsList {
			return appendString(dst, val.Str), nil
		}
		items := make(List, len(val.List))
		for i := range val.List {
			items[i] = val.List[i]
		}
		return appendList(dst, items)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func appendList(dst []byte, items List) ([]byte, error) {
	var payload []byte
	var err error
	for _, item := range items {
		payload, err = appendEncoded(payload, item)
		if err != nil {
			return nil, err
		}
	}
	dst = appendHeader(dst, shortListOffset, longListOffset, len(payload))
	return append(dst, payload...), nil
}

func appendString(dst []byte, b []byte) []byte {
	if len(b) == 1 && b[0] < shortStringOffset {
		return append(dst, b[0])
	}
	dst = appendHeader(dst, shortStringOffset, longStringOffset, len(b))
	return append(dst, b...)
}

func appendHeader(dst []byte, shortOffset, longOffset byte, length int) []byte {
	if length <= maxShortLength {
		return append(dst, shortOffset+byte(length))
	}
	lenBytes := minimalUint(uint64(length))
	dst = append(dst, longOffset+byte(len(lenBytes)))
	return append(dst, lenBytes...)
}

// minimalUint returns the big-endian representation of n with all leading
// zeros stripped. Zero yields an empty slice.
func minimalUint(n uint64) []byte {
	if n == 0 {
		return nil
	}
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	i := 0
	for b[i] == 0 {
		i++
	}
	return b[i:]
}

// Decode parses canonical RLP bytes into an Item tree. Trailing bytes and
// non-minimal encodings are rejected, so decode(encode(x)) == x holds exactly
// for every value Encode accepts.
func Decode(b []byte) (Item, error) {
	item, rest, err := decodeItem(b)
	if err != nil {
		return Item{}, err
	}
	if len(rest) != 0 {
		return Item{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return item, nil
}

func decodeItem(b []byte) (Item, []byte, error) {
	if len(b) == 0 {
		return Item{}, nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	prefix := b[0]

	switch {
	case prefix < shortStringOffset:
		return Item{Str: []byte{prefix}}, b[1:], nil

	case prefix <= longStringOffset:
		length := int(prefix - shortStringOffset)
		if len(b) < 1+length {
			return Item{}, nil, fmt.Errorf("%w: short string truncated", ErrMalformed)
		}
		if length == 1 && b[1] < shortStringOffset {
			return Item{}, nil, fmt.Errorf("%w: single byte below 0x80 must be encoded directly", ErrMalformed)
		}
		return Item{Str: b[1 : 1+length]}, b[1+length:], nil

	case prefix < shortListOffset:
		length, rest, err := decodeLongLength(b, longStringOffset)
		if err != nil {
			return Item{}, nil, err
		}
		if len(rest) < length {
			return Item{}, nil, fmt.Errorf("%w: long string truncated", ErrMalformed)
		}
		return Item{Str: rest[:length]}, rest[length:], nil

	case prefix <= longListOffset:
		length := int(prefix - shortListOffset)
		if len(b) < 1+length {
			return Item{}, nil, fmt.Errorf("%w: short list truncated", ErrMalformed)
		}
		return decodeListPayload(b[1:1+length], b[1+length:])

	default:
		length, rest, err := decodeLongLength(b, longListOffset)
		if err != nil {
			return Item{}, nil, err
		}
		if len(rest) < length {
			return Item{}, nil, fmt.Errorf("%w: long list truncated", ErrMalformed)
		}
		return decodeListPayload(rest[:length], rest[length:])
	}
}

func decodeLongLength(b []byte, offset byte) (int, []byte, error) {
	lenOfLen := int(b[0] - offset)
	if len(b) < 1+lenOfLen {
		return 0, nil, fmt.Errorf("%w: length prefix truncated", ErrMalformed)
	}
	lenBytes := b[1 : 1+lenOfLen]
	if lenBytes[0] == 0 {
		return 0, nil, fmt.Errorf("%w: leading zero in length", ErrMalformed)
	}
	var length uint64
	for _, c := range lenBytes {
		length = length<<8 | uint64(c)
	}
	if length <= maxShortLength {
		return 0, nil, fmt.Errorf("%w: long form used for short payload", ErrMalformed)
	}
	if length > uint64(len(b)) {
		return 0, nil, fmt.Errorf("%w: declared length exceeds input", ErrMalformed)
	}
	return int(length), b[1+lenOfLen:], nil
}

func decodeListPayload(payload, rest []byte) (Item, []byte, error) {
	items := []Item{}
	for len(payload) > 0 {
		var item Item
		var err error
		item, payload, err = decodeItem(payload)
		if err != nil {
			return Item{}, nil, err
		}
		items = append(items, item)
	}
	return Item{IsList: true, List: items}, rest, nil
}
