package tapatalk

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/boardline/boardline/shared/errors"
)

// The wire format is XML-RPC as forum gateways speak it: requests carry a
// handful of scalar params, responses are arbitrarily nested structs and
// arrays decided per method at runtime. Encoding is typed, decoding is
// dynamic into map[string]any / []any.

type methodCall struct {
	XMLName    xml.Name     `xml:"methodCall"`
	MethodName string       `xml:"methodName"`
	Params     []paramValue `xml:"params>param"`
}

type paramValue struct {
	Value encValue `xml:"value"`
}

type encValue struct {
	Int     *int    `xml:"int,omitempty"`
	Boolean *int    `xml:"boolean,omitempty"`
	String  *string `xml:"string,omitempty"`
	Base64  *string `xml:"base64,omitempty"`
}

// marshalCall encodes a request. Strings travel base64 encoded, which is
// how the gateway protocol avoids entity-escaping issues in post bodies.
func marshalCall(method string, params ...any) ([]byte, error) {
	call := methodCall{MethodName: method}
	for _, p := range params {
		var v encValue
		switch t := p.(type) {
		case int:
			v.Int = &t
		case bool:
			b := 0
			if t {
				b = 1
			}
			v.Boolean = &b
		case string:
			enc := base64.StdEncoding.EncodeToString([]byte(t))
			v.Base64 = &enc
		case []byte:
			enc := base64.StdEncoding.EncodeToString(t)
			v.Base64 = &enc
		case rawString:
			s := string(t)
			v.String = &s
		default:
			return nil, fmt.Errorf("unsupported param type %T", p)
		}
		call.Params = append(call.Params, paramValue{Value: v})
	}
	body, err := xml.Marshal(call)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// rawString marshals as <string> instead of <base64>.
type rawString string

type decValue struct {
	Int      *string    `xml:"int"`
	I4       *string    `xml:"i4"`
	Boolean  *string    `xml:"boolean"`
	Str      *string    `xml:"string"`
	Double   *string    `xml:"double"`
	Base64   *string    `xml:"base64"`
	DateTime *string    `xml:"dateTime.iso8601"`
	Array    *decArray  `xml:"array"`
	Struct   *decStruct `xml:"struct"`
	Raw      string     `xml:",chardata"`
}

type decArray struct {
	Values []decValue `xml:"data>value"`
}

type decStruct struct {
	Members []decMember `xml:"member"`
}

type decMember struct {
	Name  string   `xml:"name"`
	Value decValue `xml:"value"`
}

func (v *decValue) native() any {
	switch {
	case v.Int != nil:
		n, _ := strconv.Atoi(strings.TrimSpace(*v.Int))
		return n
	case v.I4 != nil:
		n, _ := strconv.Atoi(strings.TrimSpace(*v.I4))
		return n
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1" || strings.TrimSpace(*v.Boolean) == "true"
	case v.Str != nil:
		return *v.Str
	case v.Double != nil:
		f, _ := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		return f
	case v.Base64 != nil:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*v.Base64))
		if err != nil {
			return *v.Base64
		}
		return string(raw)
	case v.DateTime != nil:
		s := strings.TrimSpace(*v.DateTime)
		for _, layout := range []string{"20060102T15:04:05", time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return s
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for i := range v.Array.Values {
			out = append(out, v.Array.Values[i].native())
		}
		return out
	case v.Struct != nil:
		out := make(Struct, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			out[m.Name] = m.Value.native()
		}
		return out
	default:
		// an untagged value is a string per the XML-RPC spec
		return strings.TrimSpace(v.Raw)
	}
}

type methodResponse struct {
	XMLName xml.Name     `xml:"methodResponse"`
	Params  []paramDec   `xml:"params>param"`
	Fault   *faultWrap   `xml:"fault"`
}

type paramDec struct {
	Value decValue `xml:"value"`
}

type faultWrap struct {
	Value decValue `xml:"value"`
}

// unmarshalResponse decodes a response body into native Go values. A fault
// becomes a protocol error carrying the fault string.
func unmarshalResponse(body []byte, url string) (any, error) {
	var resp methodResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, &errors.ProtocolError{Message: "malformed rpc response: " + err.Error(), URL: url}
	}
	if resp.Fault != nil {
		msg := "rpc fault"
		if s, ok := resp.Fault.Value.native().(Struct); ok {
			if fs, ok := s.Text("faultString"); ok {
				msg = "rpc fault: " + fs
			}
		}
		return nil, &errors.ProtocolError{Message: msg, URL: url}
	}
	if len(resp.Params) == 0 {
		return nil, &errors.ProtocolError{Message: "rpc response carries no value", URL: url}
	}
	return resp.Params[0].Value.native(), nil
}

// Struct is a decoded XML-RPC struct with loose typed accessors. Boards are
// inconsistent about scalar types, so the accessors convert where they can.
type Struct map[string]any

func (s Struct) Text(key string) (string, bool) {
	v, ok := s[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	}
	return "", false
}

func (s Struct) Int(key string) (int, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	case float64:
		return int(t), true
	}
	return 0, false
}

func (s Struct) Bool(key string) bool {
	v, ok := s[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case string:
		return t == "1" || t == "true"
	}
	return false
}

func (s Struct) Array(key string) []any {
	if v, ok := s[key].([]any); ok {
		return v
	}
	return nil
}

func (s Struct) Time(key string) (time.Time, bool) {
	if v, ok := s[key].(time.Time); ok {
		return v, true
	}
	return time.Time{}, false
}
