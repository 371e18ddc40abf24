package services

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Minimal BSON codec covering the handful of types the wire emulation needs.
// Documents keep insertion order, which matters both for commands (the first
// key names the operation) and for byte-stable responses.

type bsonElem struct {
	K string
	V any
}

type bsonDoc []bsonElem

func (d bsonDoc) get(key string) (any, bool) {
	for _, e := range d {
		if e.K == key {
			return e.V, true
		}
	}
	return nil, false
}

func (d bsonDoc) getString(key string) string {
	if v, ok := d.get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// command returns the first key, which names the operation in a command doc.
func (d bsonDoc) command() string {
	if len(d) == 0 {
		return ""
	}
	return d[0].K
}

func (d bsonDoc) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: ", e.K)
		switch v := e.V.(type) {
		case string:
			fmt.Fprintf(&b, "%q", v)
		case bsonDoc:
			b.WriteString(v.String())
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	b.WriteByte('}')
	return b.String()
}

// bsonArrayVal marks a document for encoding as array type (0x04). The body
// layout is a document with stringified index keys.
type bsonArrayVal bsonDoc

func bsonArray(items ...any) bsonArrayVal {
	doc := make(bsonArrayVal, len(items))
	for i, v := range items {
		doc[i] = bsonElem{strconv.Itoa(i), v}
	}
	return doc
}

func encodeBSON(d bsonDoc) []byte {
	var body bytes.Buffer
	for _, e := range d {
		encodeBSONElem(&body, e.K, e.V)
	}

	out := make([]byte, 4, 4+body.Len()+1)
	out = append(out, body.Bytes()...)
	out = append(out, 0x00)
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

func encodeBSONElem(b *bytes.Buffer, key string, v any) {
	writeKey := func(t byte) {
		b.WriteByte(t)
		b.WriteString(key)
		b.WriteByte(0x00)
	}
	switch val := v.(type) {
	case float64:
		writeKey(0x01)
		binary.Write(b, binary.LittleEndian, val)
	case string:
		writeKey(0x02)
		binary.Write(b, binary.LittleEndian, uint32(len(val)+1))
		b.WriteString(val)
		b.WriteByte(0x00)
	case bsonDoc:
		writeKey(0x03)
		b.Write(encodeBSON(val))
	case bsonArrayVal:
		writeKey(0x04)
		b.Write(encodeBSON(bsonDoc(val)))
	case bool:
		writeKey(0x08)
		if val {
			b.WriteByte(0x01)
		} else {
			b.WriteByte(0x00)
		}
	case nil:
		writeKey(0x0a)
	case int32:
		writeKey(0x10)
		binary.Write(b, binary.LittleEndian, val)
	case int:
		writeKey(0x10)
		binary.Write(b, binary.LittleEndian, int32(val))
	case int64:
		writeKey(0x12)
		binary.Write(b, binary.LittleEndian, val)
	default:
		writeKey(0x0a)
	}
}

func decodeBSON(data []byte) (bsonDoc, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("services: bson: short document (%d bytes)", len(data))
	}
	length := int(binary.LittleEndian.Uint32(data))
	if length < 5 || length > len(data) {
		return nil, fmt.Errorf("services: bson: bad length %d", length)
	}

	var doc bsonDoc
	pos := 4
	for pos < length-1 {
		t := data[pos]
		pos++
		end := bytes.IndexByte(data[pos:length], 0x00)
		if end < 0 {
			return nil, fmt.Errorf("services: bson: unterminated key")
		}
		key := string(data[pos : pos+end])
		pos += end + 1

		val, n, err := decodeBSONValue(t, data[pos:length])
		if err != nil {
			return nil, err
		}
		doc = append(doc, bsonElem{key, val})
		pos += n
	}
	return doc, nil
}

func decodeBSONValue(t byte, data []byte) (any, int, error) {
	switch t {
	case 0x01: // double
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("services: bson: truncated double")
		}
		var f float64
		binary.Read(bytes.NewReader(data[:8]), binary.LittleEndian, &f)
		return f, 8, nil
	case 0x02: // string
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("services: bson: truncated string")
		}
		n := int(binary.LittleEndian.Uint32(data))
		if n < 1 || 4+n > len(data) {
			return nil, 0, fmt.Errorf("services: bson: bad string length %d", n)
		}
		return string(data[4 : 4+n-1]), 4 + n, nil
	case 0x03, 0x04: // document, array
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("services: bson: truncated document")
		}
		n := int(binary.LittleEndian.Uint32(data))
		if n < 5 || n > len(data) {
			return nil, 0, fmt.Errorf("services: bson: bad document length %d", n)
		}
		sub, err := decodeBSON(data[:n])
		if err != nil {
			return nil, 0, err
		}
		return sub, n, nil
	case 0x05: // binary
		if len(data) < 5 {
			return nil, 0, fmt.Errorf("services: bson: truncated binary")
		}
		n := int(binary.LittleEndian.Uint32(data))
		if n < 0 || 5+n > len(data) {
			return nil, 0, fmt.Errorf("services: bson: bad binary length %d", n)
		}
		return string(data[5 : 5+n]), 5 + n, nil
	case 0x07: // objectid
		if len(data) < 12 {
			return nil, 0, fmt.Errorf("services: bson: truncated objectid")
		}
		return fmt.Sprintf("%x", data[:12]), 12, nil
	case 0x08: // bool
		if len(data) < 1 {
			return nil, 0, fmt.Errorf("services: bson: truncated bool")
		}
		return data[0] != 0, 1, nil
	case 0x09, 0x11, 0x12: // datetime, timestamp, int64
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("services: bson: truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(data)), 8, nil
	case 0x0a: // null
		return nil, 0, nil
	case 0x10: // int32
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("services: bson: truncated int32")
		}
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	}
	return nil, 0, fmt.Errorf("services: bson: unsupported type 0x%02x", t)
}
