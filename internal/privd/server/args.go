package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	perrors "privd/pkg/errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads typed fields out of a request's argument struct.
type args struct {
	fields map[string]*structpb.Value
}

func newArgs(s *structpb.Struct) args {
	return args{fields: s.GetFields()}
}

func invalid(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", perrors.ErrInvalidArgument, fmt.Sprintf(format, a...))
}

func (a args) has(name string) bool {
	v, ok := a.fields[name]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (a args) String(name string) (string, error) {
	if !a.has(name) {
		return "", invalid("missing argument %q", name)
	}
	s, ok := a.fields[name].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", invalid("argument %q must be a string", name)
	}
	return s.StringValue, nil
}

func (a args) OptionalString(name string) (string, error) {
	if !a.has(name) {
		return "", nil
	}
	return a.String(name)
}

func (a args) Strings(name string) ([]string, error) {
	if !a.has(name) {
		return nil, nil
	}
	list, ok := a.fields[name].GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, invalid("argument %q must be a list of strings", name)
	}
	out := make([]string, 0, len(list.ListValue.GetValues()))
	for i, v := range list.ListValue.GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, invalid("argument %q[%d] must be a string", name, i)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

func (a args) Bool(name string) (bool, error) {
	if !a.has(name) {
		return false, nil
	}
	b, ok := a.fields[name].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, invalid("argument %q must be a boolean", name)
	}
	return b.BoolValue, nil
}

func (a args) Int(name string, def int) (int, error) {
	if !a.has(name) {
		return def, nil
	}
	n, ok := a.fields[name].GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, invalid("argument %q must be an integer", name)
	}
	return int(n.NumberValue), nil
}

// Seconds reads a non-negative duration given in seconds.
func (a args) Seconds(name string) (time.Duration, error) {
	if !a.has(name) {
		return 0, nil
	}
	n, ok := a.fields[name].GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue < 0 || n.NumberValue > math.MaxInt32 {
		return 0, invalid("argument %q must be a non-negative number of seconds", name)
	}
	return time.Duration(n.NumberValue * float64(time.Second)), nil
}

func (a args) StringMap(name string) (map[string]string, error) {
	if !a.has(name) {
		return nil, invalid("missing argument %q", name)
	}
	st, ok := a.fields[name].GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, invalid("argument %q must be an object", name)
	}
	out := make(map[string]string, len(st.StructValue.GetFields()))
	for k, v := range st.StructValue.GetFields() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, invalid("argument %q.%s must be a string", name, k)
		}
		out[k] = s.StringValue
	}
	return out, nil
}

// Decode unmarshals an object argument into v by its json tags. Unknown
// fields are rejected.
func (a args) Decode(name string, v interface{}) error {
	if !a.has(name) {
		return nil
	}
	if _, ok := a.fields[name].GetKind().(*structpb.Value_StructValue); !ok {
		return invalid("argument %q must be an object", name)
	}
	data, err := protojson.Marshal(a.fields[name])
	if err != nil {
		return invalid("argument %q: %v", name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("argument %q: %v", name, err)
	}
	return nil
}

// stringList converts for structpb, which only accepts []interface{}.
func stringList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = strings.ToValidUTF8(s, "�")
	}
	return out
}

func stringMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = strings.ToValidUTF8(v, "�")
	}
	return out
}

// text makes process output safe to carry as a protobuf string.
func text(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
