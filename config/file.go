// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Lookup is the result of a category-constrained lookup.
type Lookup struct {
	// Ordinal is the index in the category candidates, -1 if not found.
	Ordinal int
	Found   bool
}

// NotFound is the Lookup for a missing key or unknown value.
var NotFound = Lookup{Ordinal: -1}

// Enabled returns true for loop/bind lookups with a non-"false" value.
func (l Lookup) Enabled() bool {
	return l.Found && l.Ordinal > 0
}

type entry struct {
	key   Key
	value string
}

// File is a parsed KEY=value configuration file.
//
// Keys keep their first-seen order; a later duplicate replaces the value.
type File struct {
	entries []entry
}

// Parse reads a KEY=value file.
//
// Blank lines, comments and lines without '=' are skipped. A leading byte-order mark is ignored.
func Parse(r io.Reader) (*File, error) {
	f := &File{}

	scanner := bufio.NewScanner(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		f.put(Key(strings.TrimSpace(key)), strings.TrimSpace(value))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	return f, nil
}

func (f *File) put(key Key, value string) {
	for i := range f.entries {
		if f.entries[i].key == key {
			f.entries[i].value = value

			return
		}
	}

	f.entries = append(f.entries, entry{key: key, value: value})
}

// Get returns the raw value of a key.
func (f *File) Get(key Key) (string, bool) {
	for _, e := range f.entries {
		if e.key == key {
			return e.value, true
		}
	}

	return "", false
}

// Lookup matches the value of key against the category candidates.
func (f *File) Lookup(key Key, category Category) Lookup {
	value, ok := f.Get(key)
	if !ok {
		return NotFound
	}

	ordinal, ok := category.Ordinal(value)
	if !ok {
		return NotFound
	}

	return Lookup{Ordinal: ordinal, Found: true}
}

// Set validates and stores a value for a known key.
func (f *File) Set(key Key, value string) error {
	category, ok := key.Category()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if _, ok = category.Ordinal(value); !ok {
		return fmt.Errorf("%w: %s=%q, expected one of %s", ErrInvalidValue, key, value, strings.Join(category.Candidates(), ", "))
	}

	f.put(key, value)

	return nil
}

// SetPair parses and stores a KEY=value pair.
func (f *File) SetPair(pair string) error {
	key, value, ok := strings.Cut(pair, "=")
	if !ok {
		return fmt.Errorf("%w: expected KEY=value, got %q", ErrInvalidValue, pair)
	}

	return f.Set(Key(strings.TrimSpace(key)), strings.TrimSpace(value))
}

// Keys returns the keys present in the file.
func (f *File) Keys() []Key {
	keys := make([]Key, 0, len(f.entries))

	for _, e := range f.entries {
		keys = append(keys, e.key)
	}

	return keys
}

// WriteTo implements io.WriterTo, one newline-terminated KEY=value per line.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for _, e := range f.entries {
		n, err := fmt.Fprintf(w, "%s=%s\n", e.key, e.value)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// String implements fmt.Stringer.
func (f *File) String() string {
	var sb strings.Builder

	f.WriteTo(&sb) //nolint:errcheck

	return sb.String()
}
