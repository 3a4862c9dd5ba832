package bencode

import "fmt"

// DecodeTopLevelWithRawValues parses buf as a bencoded dictionary and, in
// addition to the decoded Value, returns the raw encoded bytes of each of
// the requested top-level keys exactly as they appeared on the wire.
//
// This is how the metainfo package computes the info-hash: SHA-1 must be
// taken over the exact bytes the "info" dictionary was encoded with, not
// over a re-encoding of the decoded structure, since a lossy decode/encode
// round trip (or a disagreement with how other implementations canonicalize)
// would silently change the hash. Capturing the original span during decode
// sidesteps the re-encoding question entirely.
func DecodeTopLevelWithRawValues(buf []byte, wantKeys ...string) (Value, map[string][]byte, error) {
	want := make(map[string]bool, len(wantKeys))
	for _, k := range wantKeys {
		want[k] = true
	}

	if len(buf) == 0 || buf[0] != 'd' {
		return Value{}, nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrSyntax)
	}

	pos := 1
	dict := make(map[string]Value)
	var keys []string
	raw := make(map[string][]byte, len(want))
	for {
		if pos >= len(buf) {
			return Value{}, nil, fmt.Errorf("%w: unterminated dict", ErrUnexpectedEnd)
		}
		if buf[pos] == 'e' {
			return Value{Kind: KindDict, Dict: dict, keys: keys}, raw, nil
		}
		keyVal, next, err := decodeAt(buf, pos)
		if err != nil {
			return Value{}, nil, err
		}
		if keyVal.Kind != KindString {
			return Value{}, nil, fmt.Errorf("%w: dictionary key is not a string", ErrSyntax)
		}
		key := string(keyVal.Str)
		if len(keys) > 0 && key <= keys[len(keys)-1] {
			return Value{}, nil, fmt.Errorf("%w: dictionary keys out of order or duplicated at %q", ErrSyntax, key)
		}

		valStart := next
		val, valEnd, err := decodeAt(buf, next)
		if err != nil {
			return Value{}, nil, err
		}
		if want[key] {
			span := make([]byte, valEnd-valStart)
			copy(span, buf[valStart:valEnd])
			raw[key] = span
		}

		dict[key] = val
		keys = append(keys, key)
		pos = valEnd
	}
}
