package restclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Float decodes a JSON number, a quoted number, an empty string or null.
// Valid reports whether a value was present.
type Float struct {
	Value float64
	Valid bool
}

func (f *Float) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = Float{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = Float{}
			return nil
		}
		v, err := parseDecimal(s)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*f = Float{Value: v, Valid: true}
		return nil
	}
	v, err := parseDecimal(string(data))
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*f = Float{Value: v, Valid: true}
	return nil
}

func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f.Value, 'g', -1, 64)), nil
}

// Int decodes integer timestamps that some venues send as strings.
type Int struct {
	Value int64
	Valid bool
}

func (n *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*n = Int{}
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", data, err)
	}
	*n = Int{Value: d.IntPart(), Valid: true}
	return nil
}

// ParseFloat returns 0, false for empty or malformed input.
func ParseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := parseDecimal(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseDecimal reads exchange decimal strings, including exponent forms,
// and rejects NaN and infinities.
func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	v, _ := d.Float64()
	return v, nil
}
