// Package keyspace is a keyed store of typed values with explicit per-type lifecycle
// hooks. Types are registered once at startup; the store calls Free when a value is
// overwritten, deleted or the store is closed, and returns what Free reported.
package keyspace

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"k8s.io/klog/v2"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnknownType = errors.New("unknown value type")
	ErrWrongType   = errors.New("value has the wrong type")
)

// TypeMethods are the lifecycle hooks of one value type.
type TypeMethods struct {
	// Free releases the store's reference to value. Required.
	Free func(value any) error
	// Copy returns a new reference for a reader. If nil, Get hands out the stored value.
	Copy func(value any) any
	// Save and Load serialize values for Snapshot and Restore. Both or neither.
	Save func(w io.Writer, value any) error
	Load func(ctx context.Context, r io.Reader) (any, error)
}

type entry struct {
	typeName string
	value    any
}

type Keyspace struct {
	mu      sync.Mutex
	types   map[string]TypeMethods
	entries map[string]entry
}

func New() *Keyspace {
	return &Keyspace{
		types:   make(map[string]TypeMethods),
		entries: make(map[string]entry),
	}
}

// RegisterType makes a value type available. It must be called before values of that
// type are stored or restored.
func (k *Keyspace) RegisterType(name string, methods TypeMethods) error {
	if name == "" {
		return fmt.Errorf("type name must not be empty")
	}
	if methods.Free == nil {
		return fmt.Errorf("type %q has no Free hook", name)
	}
	if (methods.Save == nil) != (methods.Load == nil) {
		return fmt.Errorf("type %q must define both Save and Load, or neither", name)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, found := k.types[name]; found {
		return fmt.Errorf("type %q already registered", name)
	}
	k.types[name] = methods
	return nil
}

// Set stores value under key, taking ownership of the caller's reference.
// A previous value is freed and any failure doing so is returned; the new value is stored regardless.
func (k *Keyspace) Set(key, typeName string, value any) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, found := k.types[typeName]; !found {
		return fmt.Errorf("%w %q", ErrUnknownType, typeName)
	}
	previous, found := k.entries[key]
	k.entries[key] = entry{typeName: typeName, value: value}
	if found {
		if err := k.free(key, previous); err != nil {
			return fmt.Errorf("freeing previous value of %q: %w", key, err)
		}
	}
	return nil
}

// Get returns the value at key, through the type's Copy hook if it has one.
func (k *Keyspace) Get(key string) (string, any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, found := k.entries[key]
	if !found {
		return "", nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	value := e.value
	if cp := k.types[e.typeName].Copy; cp != nil {
		value = cp(value)
	}
	return e.typeName, value, nil
}

// GetAs is Get for a key expected to hold typeName. No reference is taken on a mismatch.
func (k *Keyspace) GetAs(key, typeName string) (any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, found := k.entries[key]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if e.typeName != typeName {
		return nil, fmt.Errorf("%w: %q holds %s, not %s", ErrWrongType, key, e.typeName, typeName)
	}
	value := e.value
	if cp := k.types[e.typeName].Copy; cp != nil {
		value = cp(value)
	}
	return value, nil
}

// Delete removes key and frees its value.
func (k *Keyspace) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, found := k.entries[key]
	if !found {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	delete(k.entries, key)
	return k.free(key, e)
}

func (k *Keyspace) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := make([]string, 0, len(k.entries))
	for key := range k.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (k *Keyspace) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Close frees every value and empties the store.
func (k *Keyspace) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for key, e := range k.entries {
		if err := k.free(key, e); err != nil {
			errs = append(errs, fmt.Errorf("freeing %q: %w", key, err))
		}
		delete(k.entries, key)
	}
	return errors.Join(errs...)
}

func (k *Keyspace) free(key string, e entry) error {
	err := k.types[e.typeName].Free(e.value)
	if err != nil {
		klog.Background().Error(err, "freeing value", "key", key, "type", e.typeName)
	}
	return err
}

// Snapshot writes every value whose type has a Save hook. Keys are written in sorted order.
func (k *Keyspace) Snapshot(w io.Writer) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := make([]string, 0, len(k.entries))
	for key, e := range k.entries {
		if k.types[e.typeName].Save != nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
		return fmt.Errorf("writing entry count: %w", err)
	}
	for _, key := range keys {
		e := k.entries[key]
		var payload bytes.Buffer
		if err := k.types[e.typeName].Save(&payload, e.value); err != nil {
			return fmt.Errorf("saving %q: %w", key, err)
		}
		for _, field := range [][]byte{[]byte(key), []byte(e.typeName), payload.Bytes()} {
			if err := writeField(w, field); err != nil {
				return fmt.Errorf("writing %q: %w", key, err)
			}
		}
	}
	return nil
}

// Restore loads a snapshot, storing each value as Set would.
func (k *Keyspace) Restore(ctx context.Context, r io.Reader) error {
	log := klog.FromContext(ctx)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("reading entry count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		var fields [3][]byte
		for j := range fields {
			field, err := readField(r)
			if err != nil {
				return fmt.Errorf("reading entry %d: %w", i, err)
			}
			fields[j] = field
		}
		key, typeName := string(fields[0]), string(fields[1])

		k.mu.Lock()
		methods, found := k.types[typeName]
		k.mu.Unlock()
		if !found || methods.Load == nil {
			return fmt.Errorf("restoring %q: %w %q", key, ErrUnknownType, typeName)
		}

		value, err := methods.Load(ctx, bytes.NewReader(fields[2]))
		if err != nil {
			return fmt.Errorf("loading %q: %w", key, err)
		}
		if err := k.Set(key, typeName, value); err != nil {
			return err
		}
		log.V(2).Info("restored value", "key", key, "type", typeName)
	}
	return nil
}

const maxFieldSize = 1 << 32

func writeField(w io.Writer, field []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(field))); err != nil {
		return err
	}
	_, err := w.Write(field)
	return err
}

func readField(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxFieldSize {
		return nil, fmt.Errorf("field of %d bytes exceeds limit", n)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, err
	}
	return field, nil
}
