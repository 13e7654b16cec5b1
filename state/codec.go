// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package state

import (
	"sort"

	"github.com/iKaew/hass-linkstation-addon/device"
	"github.com/iKaew/hass-linkstation-addon/sensor"

	"github.com/golang/protobuf/ptypes/struct"
	"github.com/pkg/errors"
)

// Record field names.
const (
	fieldUniqueID   = "unique_id"
	fieldDevice     = "device"
	fieldDisk       = "disk"
	fieldMetric     = "metric"
	fieldValue      = "value"
	fieldAvailable  = "available"
	fieldAttributes = "attributes"
)

func stringValue(v string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: v}}
}

func numberValue(v float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: v}}
}

func boolValue(v bool) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: v}}
}

func toValue(v interface{}) (*structpb.Value, error) {
	switch t := v.(type) {
	case nil:
		return &structpb.Value{Kind: &structpb.Value_NullValue{}}, nil
	case string:
		return stringValue(t), nil
	case float64:
		return numberValue(t), nil
	case float32:
		return numberValue(float64(t)), nil
	case int:
		return numberValue(float64(t)), nil
	case int64:
		return numberValue(float64(t)), nil
	case bool:
		return boolValue(t), nil
	default:
		return nil, errors.Errorf("unsupported attribute type %T", v)
	}
}

func fromValue(v *structpb.Value) interface{} {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return k.NumberValue
	case *structpb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

// encodeState encodes st as a record.
func encodeState(st *sensor.State) (*structpb.Struct, error) {
	rec := structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldUniqueID:  stringValue(st.UniqueID),
			fieldDevice:    stringValue(st.Device),
			fieldDisk:      stringValue(st.Disk),
			fieldMetric:    stringValue(string(st.Metric)),
			fieldAvailable: boolValue(st.Available),
		},
	}
	if st.Value.Numeric {
		rec.Fields[fieldValue] = numberValue(st.Value.Number)
	} else {
		rec.Fields[fieldValue] = stringValue(st.Value.Text)
	}

	if len(st.Attributes) > 0 {
		keys := make([]string, 0, len(st.Attributes))
		for k := range st.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		attrs := structpb.Struct{Fields: make(map[string]*structpb.Value, len(keys))}
		for _, k := range keys {
			v, err := toValue(st.Attributes[k])
			if err != nil {
				return nil, errors.Wrapf(err, "attribute %q", k)
			}
			attrs.Fields[k] = v
		}
		rec.Fields[fieldAttributes] = &structpb.Value{Kind: &structpb.Value_StructValue{StructValue: &attrs}}
	}
	return &rec, nil
}

// decodeState decodes a record produced by encodeState.
func decodeState(rec *structpb.Struct) (sensor.State, error) {
	var st sensor.State

	str := func(key string) (string, error) {
		v, ok := rec.Fields[key].GetKind().(*structpb.Value_StringValue)
		if !ok {
			return "", errors.Errorf("missing string field %q", key)
		}
		return v.StringValue, nil
	}

	var err error
	if st.UniqueID, err = str(fieldUniqueID); err != nil {
		return st, err
	}
	if st.Device, err = str(fieldDevice); err != nil {
		return st, err
	}
	if st.Disk, err = str(fieldDisk); err != nil {
		return st, err
	}
	metric, err := str(fieldMetric)
	if err != nil {
		return st, err
	}
	if st.Metric, err = device.ParseMetric(metric); err != nil {
		return st, err
	}

	switch v := rec.Fields[fieldValue].GetKind().(type) {
	case *structpb.Value_NumberValue:
		st.Value = sensor.NumberValue(v.NumberValue)
	case *structpb.Value_StringValue:
		st.Value = sensor.TextValue(v.StringValue)
	default:
		return st, errors.Errorf("invalid value of %q", st.UniqueID)
	}
	st.Available = rec.Fields[fieldAvailable].GetBoolValue()

	if attrs := rec.Fields[fieldAttributes].GetStructValue(); attrs != nil && len(attrs.Fields) > 0 {
		st.Attributes = make(map[string]interface{}, len(attrs.Fields))
		for k, v := range attrs.Fields {
			st.Attributes[k] = fromValue(v)
		}
	}
	return st, nil
}
