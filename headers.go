package chatnet

import (
	"slices"
	"strings"
)

// Headers is an ordered set of header fields with case-insensitive lookup.
// Names keep the casing they were last set with; setting a name that is
// already present (in any casing) replaces its value in place.
// The zero value is ready to use. Copies are independent: mutations never
// write into a backing array another copy can see.
type Headers struct {
	entries []headerField
}

type headerField struct {
	name  string
	value string
}

// NewHeaders builds Headers from a map. Map iteration order is random, so
// callers that care about wire order should use Set instead.
func NewHeaders(m map[string]string) Headers {
	var h Headers
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func (h Headers) find(name string) int {
	for i, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return i
		}
	}
	return -1
}

// Set adds or replaces a header.
func (h *Headers) Set(name, value string) {
	f := headerField{name: name, value: value}
	if i := h.find(name); i >= 0 {
		entries := slices.Clone(h.entries)
		entries[i] = f
		h.entries = entries
		return
	}
	h.entries = append(slices.Clip(h.entries), f)
}

// Get returns the value for name, matched case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	i := h.find(name)
	if i < 0 {
		return "", false
	}
	return h.entries[i].value, true
}

// Del removes a header if present.
func (h *Headers) Del(name string) {
	if i := h.find(name); i >= 0 {
		h.entries = slices.Delete(slices.Clone(h.entries), i, i+1)
	}
}

// Len returns the number of headers.
func (h Headers) Len() int {
	return len(h.entries)
}

// Each calls fn for every header in insertion order.
func (h Headers) Each(fn func(name, value string)) {
	for _, e := range h.entries {
		fn(e.name, e.value)
	}
}

// Map returns the headers as a map keyed by their stored casing.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		m[e.name] = e.value
	}
	return m
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	var c Headers
	for _, e := range h.entries {
		c.Set(e.name, e.value)
	}
	return c
}
