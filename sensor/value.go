// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sensor

import (
	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Value is a sensor's displayed value. It is either text or a number.
type Value struct {
	// Text is the value of a text sensor.
	Text string
	// Number is the value of a numeric sensor.
	Number float64
	// Numeric is true if the value is a number.
	Numeric bool
}

// TextValue returns a text Value.
func TextValue(v string) Value { return Value{Text: v} }

// NumberValue returns a numeric Value.
func NumberValue(v float64) Value { return Value{Number: v, Numeric: true} }

// String renders the value as a sensor state. Numbers are rendered without
// trailing zeroes.
func (v Value) String() string {
	if v.Numeric {
		return humanize.Ftoa(v.Number)
	}
	return v.Text
}

// Interface returns the value as a float64 or string.
func (v Value) Interface() interface{} {
	if v.Numeric {
		return v.Number
	}
	return v.Text
}

// MarshalJSON encodes a numeric Value as a JSON number and a text Value as a
// JSON string.
func (v Value) MarshalJSON() ([]byte, error) { return json.Marshal(v.Interface()) }

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case float64:
		*v = NumberValue(t)
	case string:
		*v = TextValue(t)
	case nil:
		*v = Value{}
	default:
		*v = TextValue(string(data))
	}
	return nil
}
