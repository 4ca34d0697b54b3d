package manifest

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v2"
)

// decodeMarkup lifts a legacy document-markup manifest into the object
// notation representation.
//
// Key order is preserved at every level: decoding into yaml.MapSlice makes
// yaml.v2 decode nested maps as MapSlice too. A plain map value, should one
// appear, is sorted by key so a fallback parse stays deterministic.
func decodeMarkup(buf []byte) (Value, error) {
	var ms yaml.MapSlice
	if err := yaml.Unmarshal(buf, &ms); err != nil {
		return Value{}, fmt.Errorf("markup bridge: %w", err)
	}
	return liftMapSlice(ms)
}

func liftMapSlice(ms yaml.MapSlice) (Value, error) {
	v := Value{Kind: Object}
	for _, item := range ms {
		key, ok := item.Key.(string)
		if !ok {
			continue
		}
		fv, err := lift(item.Value)
		if err != nil {
			return Value{}, err
		}
		v.Fields = append(v.Fields, Field{Key: key, Value: fv})
	}
	return v, nil
}

func lift(in interface{}) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Value{Kind: Null}, nil
	case string:
		return Value{Kind: String, Str: t}, nil
	case bool:
		return Value{Kind: Bool, Bool: t}, nil
	case int:
		return Value{Kind: Int, Int: int64(t)}, nil
	case int64:
		return Value{Kind: Int, Int: t}, nil
	case uint64:
		return Value{Kind: Int, Int: int64(t)}, nil
	case float64:
		return Value{Kind: String, Str: strconv.FormatFloat(t, 'g', -1, 64)}, nil
	case []interface{}:
		v := Value{Kind: Array}
		for _, e := range t {
			ev, err := lift(e)
			if err != nil {
				return Value{}, err
			}
			v.Elems = append(v.Elems, ev)
		}
		return v, nil
	case yaml.MapSlice:
		return liftMapSlice(t)
	case map[interface{}]interface{}:
		v := Value{Kind: Object}
		keys := make([]string, 0, len(t))
		byKey := make(map[string]interface{}, len(t))
		for k, e := range t {
			s, ok := k.(string)
			if !ok {
				continue
			}
			keys = append(keys, s)
			byKey[s] = e
		}
		sort.Strings(keys)
		for _, k := range keys {
			ev, err := lift(byKey[k])
			if err != nil {
				return Value{}, err
			}
			v.Fields = append(v.Fields, Field{Key: k, Value: ev})
		}
		return v, nil
	}
	return Value{}, fmt.Errorf("markup bridge: unhandled value type %T", in)
}
