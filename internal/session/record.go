package session

import (
	"bufio"
	"bytes"
	"strings"
)

// Record is a line-oriented document of "key: value" lines, optionally
// preceded by a bare tag line such as "dev". Key order is preserved and
// unknown keys survive a parse/serialize round trip.
type Record struct {
	Tag    string
	fields []field
}

type field struct {
	key   string
	value string
}

// NewRecord returns an empty record with the given tag.
func NewRecord(tag string) *Record {
	return &Record{Tag: tag}
}

// ParseRecord decodes data. A first non-empty line without a colon becomes
// the tag; later lines without a colon are dropped. A repeated key keeps its
// first position and its last value.
func ParseRecord(data []byte) *Record {
	r := &Record{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)

	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			if first {
				r.Tag = line
			}
			first = false
			continue
		}
		first = false
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r.Set(key, strings.TrimSpace(value))
	}
	return r
}

// Get returns the value for key and whether it is present.
func (r *Record) Get(key string) (string, bool) {
	for _, f := range r.fields {
		if f.key == key {
			return f.value, true
		}
	}
	return "", false
}

// Value returns the value for key or "".
func (r *Record) Value(key string) string {
	v, _ := r.Get(key)
	return v
}

// Set replaces the value of key or appends it.
func (r *Record) Set(key, value string) {
	value = strings.ReplaceAll(value, "\n", " ")
	for i := range r.fields {
		if r.fields[i].key == key {
			r.fields[i].value = value
			return
		}
	}
	r.fields = append(r.fields, field{key: key, value: value})
}

// Delete removes key if present.
func (r *Record) Delete(key string) {
	out := r.fields[:0]
	for _, f := range r.fields {
		if f.key != key {
			out = append(out, f)
		}
	}
	r.fields = out
}

// Keys returns the keys in document order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.key
	}
	return keys
}

// Bytes serializes the record.
func (r *Record) Bytes() []byte {
	var b bytes.Buffer
	if r.Tag != "" {
		b.WriteString(r.Tag)
		b.WriteByte('\n')
	}
	for _, f := range r.fields {
		b.WriteString(f.key)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteByte('\n')
	}
	return b.Bytes()
}
