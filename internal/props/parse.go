package props

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidValue is returned when text cannot be parsed into the requested kind.
var ErrInvalidValue = errors.New("invalid property value")

// Parse converts text into a Value of the given kind.
func Parse(kind Kind, text string) (Value, error) {
	text = strings.TrimSpace(text)
	switch kind {
	case KindInt32:
		n, err := strconv.ParseInt(text, 0, 32)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Int32(int32(n)), nil
	case KindUint32:
		n, err := strconv.ParseUint(text, 0, 32)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Uint32(uint32(n)), nil
	case KindInt64:
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Int64(n), nil
	case KindUint64:
		n, err := strconv.ParseUint(text, 0, 64)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Uint64(n), nil
	case KindFraction:
		f, err := parseFraction(text)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Frac(f.Num, f.Den), nil
	case KindFloat32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Float32(float32(f)), nil
	case KindFloat64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Float64(f), nil
	case KindBool:
		switch strings.ToLower(text) {
		case "", "true", "yes", "1", "on":
			return Bool(true), nil
		case "false", "no", "0", "off":
			return Bool(false), nil
		}
		return Value{}, invalid(kind, text)
	case KindString:
		return String(text), nil
	case KindName:
		return Name(text), nil
	case KindData, KindConstData:
		b, err := parseHex(text)
		if err != nil {
			return Value{}, invalid(kind, text)
		}
		return Data(b), nil
	}
	return Value{}, fmt.Errorf("%w: kind %s cannot be parsed", ErrInvalidValue, kind)
}

// ParseFor parses text for the given key. Built-in codes use their declared
// kind, and StreamType and CodecID also accept names such as "audio" or "avc".
// Free-form keys yield strings.
func ParseFor(key Key, text string) (Value, error) {
	if key.Name != "" {
		return String(text), nil
	}
	info, ok := Lookup(key.Code)
	if !ok {
		return String(text), nil
	}
	switch key.Code {
	case StreamType:
		for st, name := range streamTypeNames {
			if strings.EqualFold(name, text) {
				return Uint32(st), nil
			}
		}
	case CodecID:
		for codec, name := range codecNames {
			if strings.EqualFold(name, text) {
				return Uint32(codec), nil
			}
		}
		if len(text) == 4 {
			return Uint32(uint32(FourCC(text))), nil
		}
	}
	return Parse(info.Kind, text)
}

func invalid(kind Kind, text string) error {
	return fmt.Errorf("%w: %q is not a valid %s", ErrInvalidValue, text, kind)
}

func parseFraction(text string) (Fraction, error) {
	if num, den, ok := strings.Cut(text, "/"); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return Fraction{}, err
		}
		d, err := strconv.ParseInt(den, 10, 64)
		if err != nil {
			return Fraction{}, err
		}
		if d == 0 {
			return Fraction{}, errors.New("zero denominator")
		}
		return Fraction{Num: n, Den: d}, nil
	}
	if !strings.ContainsAny(text, ".eE") {
		n, err := strconv.ParseInt(text, 10, 64)
		return Fraction{Num: n, Den: 1}, err
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Fraction{}, err
	}
	const den = 1000000
	return Fraction{Num: int64(math.Round(f * den)), Den: den}, nil
}

func parseHex(text string) ([]byte, error) {
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	return hex.DecodeString(text)
}
