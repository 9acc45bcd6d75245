package persist

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/graph"
	"github.com/justinsb/kllama/pkg/keyspace"
	"github.com/justinsb/kllama/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doubleGraph = `
nodes:
  - {name: x, op: input}
  - {name: y, op: scale, inputs: [x], attrs: {factor: 2}}
`

func newRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(graph.New()))
	return registry
}

func newDoubler(t *testing.T, registry *engine.Registry) *engine.Model {
	t.Helper()
	m, err := engine.NewModel(context.Background(), registry, engine.BackendGraph, tensor.CPU, []string{"x"}, []string{"y"}, []byte(doubleGraph))
	require.NoError(t, err)
	return m
}

func checkDoubles(t *testing.T, m *engine.Model) {
	t.Helper()
	x, err := tensor.FromFloat32([]int64{2}, []float32{1.5, -2})
	require.NoError(t, err)
	defer x.Free()

	out, err := engine.Evaluate(context.Background(), m, []engine.Param{{Name: "x", Tensor: x}}, []string{"y"})
	require.NoError(t, err)
	defer out[0].Free()

	values, err := out[0].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, -4}, values)
}

func TestSaveLoad(t *testing.T) {
	registry := newRegistry(t)
	m := newDoubler(t, registry)
	defer m.Free()

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))

	header, definition, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "graph", header.Backend)
	assert.Equal(t, "CPU", header.Device)
	assert.Equal(t, []string{"x"}, header.Inputs)
	assert.Equal(t, []string{"y"}, header.Outputs)
	assert.Equal(t, doubleGraph, string(definition))

	loaded, err := Load(context.Background(), registry, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer loaded.Free()

	assert.NotEqual(t, m.ID(), loaded.ID(), "a loaded model is a new instance")
	assert.Equal(t, int64(1), loaded.Refs())
	checkDoubles(t, loaded)
}

func TestLoadRejectsCorruptInput(t *testing.T) {
	registry := newRegistry(t)
	m := newDoubler(t, registry)
	defer m.Free()
	encoded, err := Encode(m)
	require.NoError(t, err)

	tamper := func(f func(b []byte) []byte) []byte {
		return f(bytes.Clone(encoded))
	}
	cases := map[string][]byte{
		"empty":     nil,
		"bad magic": tamper(func(b []byte) []byte { b[0] = 'X'; return b }),
		"truncated": tamper(func(b []byte) []byte { return b[:len(b)-3] }),
		"checksum":  tamper(func(b []byte) []byte { b[len(b)-2] ^= 0xff; return b }),

		"huge definition length": withHeader(t, Header{Version: FormatVersion, Backend: "graph", Device: "CPU", DefinitionLength: 1 << 62}, nil),
		"definition over limit":  withHeader(t, Header{Version: FormatVersion, Backend: "graph", Device: "CPU", DefinitionLength: maxDefinitionSize + 1}, nil),
		"short definition":       withHeader(t, Header{Version: FormatVersion, Backend: "graph", Device: "CPU", DefinitionLength: 1 << 29}, []byte("nodes: []")),
		"negative length":        withHeader(t, Header{Version: FormatVersion, Backend: "graph", Device: "CPU", DefinitionLength: -1}, nil),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			loaded, err := Load(context.Background(), registry, bytes.NewReader(data))
			assert.Nil(t, loaded)
			assert.Equal(t, engine.InvalidArgument, engine.CodeOf(err), "got %v", err)
		})
	}
}

// withHeader frames header and body the way Save does, without checking either.
func withHeader(t *testing.T, header Header, body []byte) []byte {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(magic)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(headerBytes))))
	buf.Write(headerBytes)
	buf.Write(body)
	return buf.Bytes()
}

func TestLoadUnregisteredBackend(t *testing.T) {
	m := newDoubler(t, newRegistry(t))
	defer m.Free()
	encoded, err := Encode(m)
	require.NoError(t, err)

	loaded, err := Load(context.Background(), engine.NewRegistry(), bytes.NewReader(encoded))
	assert.Nil(t, loaded)
	assert.Equal(t, engine.UnsupportedBackend, engine.CodeOf(err))
}

func TestSaveFileLoadFile(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	m := newDoubler(t, registry)
	defer m.Free()

	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, SaveFile(ctx, path, m))

	header, _, err := ReadFileHeader(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, header.Version)

	loaded, err := LoadFile(ctx, registry, path)
	require.NoError(t, err)
	defer loaded.Free()
	checkDoubles(t, loaded)
}

func TestPublishFetch(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	m := newDoubler(t, registry)
	defer m.Free()

	storeDir := filepath.Join(t.TempDir(), "store")
	store := &blobs.FSBlobstore{Dir: storeDir}
	hash, err := Publish(ctx, store, m)
	require.NoError(t, err)

	encoded, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, Hash(encoded), hash)

	fetcher := &Fetcher{Reader: store, CacheDir: filepath.Join(t.TempDir(), "cache"), MaxAttempts: 3}
	fetched, err := fetcher.Fetch(ctx, registry, hash)
	require.NoError(t, err)
	checkDoubles(t, fetched)
	require.NoError(t, fetched.Free())

	// Served from the cache once the store is gone.
	require.NoError(t, os.RemoveAll(storeDir))
	fetched, err = fetcher.Fetch(ctx, registry, hash)
	require.NoError(t, err)
	require.NoError(t, fetched.Free())

	_, err = fetcher.Fetch(ctx, registry, "not-a-hash")
	assert.Equal(t, engine.InvalidArgument, engine.CodeOf(err))
}

// flakyReader fails a fixed number of downloads before delegating.
type flakyReader struct {
	blobs.BlobReader
	failures int32
	attempts atomic.Int32
}

func (r *flakyReader) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	if r.attempts.Add(1) <= r.failures {
		return errors.New("connection reset")
	}
	return r.BlobReader.Download(ctx, info, destPath)
}

func TestFetchRetries(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	m := newDoubler(t, registry)
	defer m.Free()

	store := &blobs.FSBlobstore{Dir: t.TempDir()}
	hash, err := Publish(ctx, store, m)
	require.NoError(t, err)

	reader := &flakyReader{BlobReader: store, failures: 2}
	fetcher := &Fetcher{Reader: reader, CacheDir: t.TempDir(), MaxAttempts: 3}
	fetched, err := fetcher.Fetch(ctx, registry, hash)
	require.NoError(t, err)
	require.NoError(t, fetched.Free())
	assert.Equal(t, int32(3), reader.attempts.Load())

	reader = &flakyReader{BlobReader: store, failures: 5}
	fetcher = &Fetcher{Reader: reader, CacheDir: t.TempDir(), MaxAttempts: 2}
	_, err = fetcher.Fetch(ctx, registry, hash)
	assert.Error(t, err)
	assert.Equal(t, int32(2), reader.attempts.Load())

	// A missing blob is not retried.
	missing := Hash([]byte("never published"))
	reader = &flakyReader{BlobReader: store}
	fetcher = &Fetcher{Reader: reader, CacheDir: t.TempDir(), MaxAttempts: 5}
	_, err = fetcher.Fetch(ctx, registry, missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, int32(1), reader.attempts.Load())
}

func TestKeyspaceSnapshot(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)

	src := keyspace.New()
	require.NoError(t, RegisterModelType(src, registry))
	m := newDoubler(t, registry)
	require.NoError(t, src.Set("doubler", ModelTypeName, m))

	got, err := GetModel(src, "doubler")
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Equal(t, int64(2), m.Refs())
	require.NoError(t, got.Free())

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(&buf))
	require.NoError(t, src.Close())
	assert.Equal(t, int64(0), m.Refs(), "closing the keyspace drops the last reference")

	dst := keyspace.New()
	require.NoError(t, RegisterModelType(dst, registry))
	require.NoError(t, dst.Restore(ctx, &buf))
	defer dst.Close()

	restored, err := GetModel(dst, "doubler")
	require.NoError(t, err)
	defer restored.Free()
	checkDoubles(t, restored)
}
