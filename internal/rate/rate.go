// Package rate converts between human bandwidth specifications ("10M",
// "512k") and bits per second, including the router's "upload/download"
// composite form.
//
// Decoding then encoding is canonicalizing, not an identity: Encode always
// picks the largest exact unit, so "1000k" comes back as "1M", "1500000" as
// "1500k" and a lone "5M" as "5M/5M". Callers compare rates after a round
// trip, never the text the operator typed.
package rate

import (
	"math"
	"strconv"
	"strings"

	"github.com/wavenet/access-control-plane/internal/model"
)

const (
	kilo = int64(1_000)
	mega = int64(1_000_000)
	giga = int64(1_000_000_000)
)

var units = []struct {
	suffix string
	factor int64
}{
	{"G", giga},
	{"M", mega},
	{"k", kilo},
}

// Encode picks the largest unit that divides bps exactly and falls back to
// raw bits.
func Encode(bps int64) string {
	if bps == 0 {
		return "0"
	}
	for _, u := range units {
		if bps%u.factor == 0 {
			return strconv.FormatInt(bps/u.factor, 10) + u.suffix
		}
	}
	return strconv.FormatInt(bps, 10)
}

// Decode parses a rate with an optional case-insensitive k/M/G suffix.
func Decode(s string) (int64, error) {
	return DecodeField("rate", s)
}

// DecodeField is Decode with the offending field named in errors.
func DecodeField(field, s string) (int64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, &model.ValidationError{Field: field, Reason: "empty rate"}
	}
	factor := int64(1)
	switch raw[len(raw)-1] {
	case 'k', 'K':
		factor = kilo
	case 'm', 'M':
		factor = mega
	case 'g', 'G':
		factor = giga
	}
	num := raw
	if factor != 1 {
		num = raw[:len(raw)-1]
	}
	if num == "" || num[0] == '+' || num[0] == '-' {
		return 0, &model.ValidationError{Field: field, Reason: "malformed rate " + strconv.Quote(s)}
	}
	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		if n > math.MaxInt64/factor {
			return 0, &model.ValidationError{Field: field, Reason: "rate out of range " + strconv.Quote(s)}
		}
		return n * factor, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &model.ValidationError{Field: field, Reason: "malformed rate " + strconv.Quote(s)}
	}
	v := f * float64(factor)
	if v > float64(math.MaxInt64) || math.Abs(v-math.Round(v)) > 1e-6 {
		return 0, &model.ValidationError{Field: field, Reason: "rate is not a whole number of bits " + strconv.Quote(s)}
	}
	return int64(math.Round(v)), nil
}

// EncodeComposite renders an "upload/download" pair.
func EncodeComposite(up, down int64) string {
	return Encode(up) + "/" + Encode(down)
}

// DecodeComposite parses "upload/download". A single value applies to both
// directions.
func DecodeComposite(s string) (up, down int64, err error) {
	return DecodeCompositeField("rate", s)
}

func DecodeCompositeField(field, s string) (up, down int64, err error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	switch len(parts) {
	case 1:
		v, err := DecodeField(field, parts[0])
		if err != nil {
			return 0, 0, err
		}
		return v, v, nil
	case 2:
		up, err := DecodeField(field+".upload", parts[0])
		if err != nil {
			return 0, 0, err
		}
		down, err := DecodeField(field+".download", parts[1])
		if err != nil {
			return 0, 0, err
		}
		return up, down, nil
	}
	return 0, 0, &model.ValidationError{Field: field, Reason: "expected upload/download, got " + strconv.Quote(s)}
}

// Normalize rewrites a composite rate into canonical router encoding, always
// as an explicit pair in the largest exact unit: "1000k" becomes "1M/1M" and
// "5000000/2048k" becomes "5M/2048k".
func Normalize(field, s string) (string, error) {
	up, down, err := DecodeCompositeField(field, s)
	if err != nil {
		return "", err
	}
	return EncodeComposite(up, down), nil
}
