package wire

import "fmt"

// Typed accessors over a decoded Dict. Decode produces int64/[]byte/
// []interface{}/Dict values; these helpers do the narrowing a message
// type's Unmarshal needs, with a uniform error shape.

func GetUint64(d Dict, key byte) (uint64, bool, error) {
	v, ok := d[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int64)
	if !ok {
		return 0, false, fmt.Errorf("wire: field %#x is not an integer", key)
	}
	// Encode writes a uint64 as the int64 with the same bits, so values of
	// 2^63 and above arrive negative; converting back restores them.
	return uint64(i), true, nil
}

func GetBool(d Dict, key byte) (bool, bool, error) {
	v, found, err := GetUint64(d, key)
	if err != nil || !found {
		return false, found, err
	}
	return v != 0, true, nil
}

func GetBytes(d Dict, key byte) ([]byte, bool, error) {
	v, ok := d[key]
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("wire: field %#x is not a byte-string", key)
	}
	return b, true, nil
}

func GetList(d Dict, key byte) ([]interface{}, bool, error) {
	v, ok := d[key]
	if !ok {
		return nil, false, nil
	}
	l, ok := v.([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("wire: field %#x is not a list", key)
	}
	return l, true, nil
}

func GetUint64List(d Dict, key byte) ([]uint64, bool, error) {
	l, found, err := GetList(d, key)
	if err != nil || !found {
		return nil, found, err
	}
	out := make([]uint64, 0, len(l))
	for _, item := range l {
		i, ok := item.(int64)
		if !ok {
			return nil, false, fmt.Errorf("wire: field %#x contains a non-uint64 element", key)
		}
		out = append(out, uint64(i))
	}
	return out, true, nil
}

func GetBoolList(d Dict, key byte) ([]bool, bool, error) {
	l, found, err := GetList(d, key)
	if err != nil || !found {
		return nil, found, err
	}
	out := make([]bool, 0, len(l))
	for _, item := range l {
		i, ok := item.(int64)
		if !ok {
			return nil, false, fmt.Errorf("wire: field %#x contains a non-bool element", key)
		}
		out = append(out, i != 0)
	}
	return out, true, nil
}

func GetBytesList(d Dict, key byte) ([][]byte, bool, error) {
	l, found, err := GetList(d, key)
	if err != nil || !found {
		return nil, found, err
	}
	out := make([][]byte, 0, len(l))
	for _, item := range l {
		b, ok := item.([]byte)
		if !ok {
			return nil, false, fmt.Errorf("wire: field %#x contains a non-byte-string element", key)
		}
		out = append(out, b)
	}
	return out, true, nil
}

// RequireUint64/RequireBytes error out when the field is absent, for
// required message fields.

func RequireUint64(d Dict, key byte) (uint64, error) {
	v, found, err := GetUint64(d, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("wire: missing required field %#x", key)
	}
	return v, nil
}

func RequireBytes(d Dict, key byte) ([]byte, error) {
	v, found, err := GetBytes(d, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("wire: missing required field %#x", key)
	}
	return v, nil
}
