// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"sync"

	"github.com/siderolabs/go-fsconvert/layout"
)

// OptionReader reads options from the previous configuration.
type OptionReader interface {
	ReadOption(key Key) (Lookup, error)
}

// Options are the typed options of a single partition.
type Options struct {
	Kind Kind
	Loop bool
	Bind bool
}

// Resolver translates configuration lookups into typed partition options.
type Resolver struct {
	reader OptionReader

	mu           sync.Mutex
	suppressBind int
}

// NewResolver creates a new Resolver.
func NewResolver(reader OptionReader) *Resolver {
	return &Resolver{reader: reader}
}

// Resolve returns the options of a partition.
//
// A missing filesystem kind stays KindUnset; missing loop and bind options are disabled.
func (r *Resolver) Resolve(name layout.Name) (Options, error) {
	fs, err := r.reader.ReadOption(FilesystemKey(name))
	if err != nil {
		return Options{}, err
	}

	loop, err := r.reader.ReadOption(LoopKey(name))
	if err != nil {
		return Options{}, err
	}

	bind, err := r.BindEnabled()
	if err != nil {
		return Options{}, err
	}

	kind := KindUnset
	if fs.Found {
		kind = Kind(fs.Ordinal)
	}

	return Options{
		Kind: kind,
		Loop: loop.Enabled(),
		Bind: bind,
	}, nil
}

// BindEnabled returns true if DATA should be bind-mounted from DBDATA.
//
// It always returns false while bind is suppressed.
func (r *Resolver) BindEnabled() (bool, error) {
	if r.BindSuppressed() {
		return false, nil
	}

	bind, err := r.reader.ReadOption(KeyBindDataToDBData)
	if err != nil {
		return false, err
	}

	return bind.Enabled(), nil
}

// BindSuppressed returns true while a WithoutBind call is in progress.
func (r *Resolver) BindSuppressed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.suppressBind > 0
}

// WithoutBind runs fn with bind options suppressed.
//
// Suppression is lifted when fn returns, including on error or panic.
func (r *Resolver) WithoutBind(fn func() error) error {
	r.mu.Lock()
	r.suppressBind++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.suppressBind--
		r.mu.Unlock()
	}()

	return fn()
}
