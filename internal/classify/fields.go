package classify

import "github.com/valyala/fastjson"

// Fields is the flat key→scalar mapping extracted from a structured log line.
// Nested objects and arrays are preserved as their raw JSON text so the
// payload stays opaque but lossless.
type Fields map[string]any

// ParseFields extracts top-level fields from a JSON log line. It returns nil
// when the line is not a JSON object; such records carry no fields and can
// never match the usage predicate.
func ParseFields(line string) Fields {
	v, err := fastjson.Parse(line)
	if err != nil {
		return nil
	}
	obj, err := v.Object()
	if err != nil {
		return nil
	}

	fields := make(Fields, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		switch val.Type() {
		case fastjson.TypeString:
			fields[string(key)] = string(val.GetStringBytes())
		case fastjson.TypeNumber:
			fields[string(key)] = val.GetFloat64()
		case fastjson.TypeTrue:
			fields[string(key)] = true
		case fastjson.TypeFalse:
			fields[string(key)] = false
		case fastjson.TypeNull:
			fields[string(key)] = nil
		default:
			// Objects and arrays stay as raw JSON text.
			fields[string(key)] = string(val.MarshalTo(nil))
		}
	})
	return fields
}
