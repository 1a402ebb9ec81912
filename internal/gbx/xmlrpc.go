package gbx

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// XML-RPC payload encoding for the value types the dedicated server uses:
// string, int/i4, boolean, double, base64, array and struct. Structs decode
// to map[string]any and arrays to []any, which is what the normalizer's
// loose-payload helpers expect.

type xmlValue struct {
	XMLName xml.Name   `xml:"value"`
	String  *string    `xml:"string"`
	Int     *string    `xml:"int"`
	I4      *string    `xml:"i4"`
	Boolean *string    `xml:"boolean"`
	Double  *string    `xml:"double"`
	Base64  *string    `xml:"base64"`
	Array   *xmlArray  `xml:"array"`
	Struct  *xmlStruct `xml:"struct"`
	// Bare text inside <value> with no type element is a string.
	Chardata string `xml:",chardata"`
}

type xmlArray struct {
	Values []xmlValue `xml:"data>value"`
}

type xmlStruct struct {
	Members []xmlMember `xml:"member"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

type xmlParam struct {
	Value xmlValue `xml:"value"`
}

type xmlMethodCall struct {
	XMLName xml.Name   `xml:"methodCall"`
	Method  string     `xml:"methodName"`
	Params  []xmlParam `xml:"params>param"`
}

type xmlFault struct {
	Value xmlValue `xml:"value"`
}

type xmlMethodResponse struct {
	XMLName xml.Name   `xml:"methodResponse"`
	Params  []xmlParam `xml:"params>param"`
	Fault   *xmlFault  `xml:"fault"`
}

// Fault is an XML-RPC fault returned by the dedicated server.
type Fault struct {
	Code   int
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("gbx: fault %d: %s", f.Code, f.Reason)
}

func marshalCall(method string, args []any) ([]byte, error) {
	call := xmlMethodCall{Method: method}
	for _, arg := range args {
		v, err := toXMLValue(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", method, err)
		}
		call.Params = append(call.Params, xmlParam{Value: v})
	}
	body, err := xml.Marshal(call)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func toXMLValue(arg any) (xmlValue, error) {
	switch v := arg.(type) {
	case string:
		s := v
		return xmlValue{String: &s}, nil
	case bool:
		s := "0"
		if v {
			s = "1"
		}
		return xmlValue{Boolean: &s}, nil
	case int:
		s := strconv.Itoa(v)
		return xmlValue{Int: &s}, nil
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return xmlValue{Double: &s}, nil
	case []byte:
		s := base64.StdEncoding.EncodeToString(v)
		return xmlValue{Base64: &s}, nil
	case []any:
		arr := &xmlArray{}
		for _, elem := range v {
			ev, err := toXMLValue(elem)
			if err != nil {
				return xmlValue{}, err
			}
			arr.Values = append(arr.Values, ev)
		}
		return xmlValue{Array: arr}, nil
	case map[string]any:
		st := &xmlStruct{}
		for name, elem := range v {
			ev, err := toXMLValue(elem)
			if err != nil {
				return xmlValue{}, err
			}
			st.Members = append(st.Members, xmlMember{Name: name, Value: ev})
		}
		return xmlValue{Struct: st}, nil
	default:
		return xmlValue{}, fmt.Errorf("unsupported argument type %T", arg)
	}
}

func fromXMLValue(v xmlValue) (any, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		return strconv.Atoi(strings.TrimSpace(*v.Int))
	case v.I4 != nil:
		return strconv.Atoi(strings.TrimSpace(*v.I4))
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		return strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
	case v.Base64 != nil:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(*v.Base64))
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for _, elem := range v.Array.Values {
			ev, err := fromXMLValue(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			mv, err := fromXMLValue(m.Value)
			if err != nil {
				return nil, err
			}
			out[m.Name] = mv
		}
		return out, nil
	default:
		// Untyped <value>text</value> is a string per the XML-RPC spec.
		return v.Chardata, nil
	}
}

// parseResponse decodes a methodResponse payload into its single result
// value, or a *Fault error.
func parseResponse(payload []byte) (any, error) {
	var resp xmlMethodResponse
	if err := xml.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("gbx: decode response: %w", err)
	}
	if resp.Fault != nil {
		fv, err := fromXMLValue(resp.Fault.Value)
		if err != nil {
			return nil, fmt.Errorf("gbx: decode fault: %w", err)
		}
		fault := &Fault{}
		if m, ok := fv.(map[string]any); ok {
			if code, ok := m["faultCode"].(int); ok {
				fault.Code = code
			}
			if reason, ok := m["faultString"].(string); ok {
				fault.Reason = reason
			}
		}
		return nil, fault
	}
	if len(resp.Params) == 0 {
		return nil, nil
	}
	return fromXMLValue(resp.Params[0].Value)
}

// parseCall decodes a server-initiated methodCall (a callback).
func parseCall(payload []byte) (string, []any, error) {
	var call xmlMethodCall
	if err := xml.Unmarshal(payload, &call); err != nil {
		return "", nil, fmt.Errorf("gbx: decode callback: %w", err)
	}
	args := make([]any, 0, len(call.Params))
	for _, p := range call.Params {
		v, err := fromXMLValue(p.Value)
		if err != nil {
			return "", nil, fmt.Errorf("gbx: decode callback %s: %w", call.Method, err)
		}
		args = append(args, v)
	}
	return call.Method, args, nil
}
