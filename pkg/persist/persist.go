// Package persist serializes models so they can be recreated later through engine.NewModel.
//
// The encoding is a magic string, a little-endian uint32 header length, a JSON header
// and the raw model definition.
package persist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/tensor"
)

const (
	magic         = "KLLAMAMD"
	FormatVersion = 1

	maxHeaderSize     = 1 << 20
	maxDefinitionSize = 1 << 30
)

// Header describes a persisted model.
type Header struct {
	Version          int      `json:"version"`
	Backend          string   `json:"backend"`
	Device           string   `json:"device"`
	Inputs           []string `json:"inputs,omitempty"`
	Outputs          []string `json:"outputs,omitempty"`
	DefinitionLength int64    `json:"definitionLength"`
	DefinitionSHA256 string   `json:"definitionSha256"`
}

// Save writes everything needed to recreate model.
func Save(w io.Writer, model *engine.Model) error {
	definition := model.Definition()
	if len(definition) > maxDefinitionSize {
		return fmt.Errorf("definition of %d bytes exceeds limit", len(definition))
	}
	sum := sha256.Sum256(definition)

	header := Header{
		Version:          FormatVersion,
		Backend:          string(model.Backend()),
		Device:           model.Device().String(),
		Inputs:           model.Inputs(),
		Outputs:          model.Outputs(),
		DefinitionLength: int64(len(definition)),
		DefinitionSHA256: hex.EncodeToString(sum[:]),
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}

	if _, err := io.WriteString(w, magic); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerBytes))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(definition); err != nil {
		return fmt.Errorf("writing definition: %w", err)
	}
	return nil
}

// Encode is Save into a byte slice.
func Encode(model *engine.Model) ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, model); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadHeader reads and verifies a persisted model without compiling it.
func ReadHeader(r io.Reader) (*Header, []byte, error) {
	prefix := make([]byte, len(magic))
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(prefix) != magic {
		return nil, nil, fmt.Errorf("not a persisted model (bad magic %q)", prefix)
	}

	var headerLength uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLength); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLength > maxHeaderSize {
		return nil, nil, fmt.Errorf("header of %d bytes exceeds limit", headerLength)
	}
	headerBytes := make([]byte, headerLength)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	header := &Header{}
	if err := json.Unmarshal(headerBytes, header); err != nil {
		return nil, nil, fmt.Errorf("decoding header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported format version %d", header.Version)
	}
	if header.DefinitionLength < 0 {
		return nil, nil, fmt.Errorf("negative definition length %d", header.DefinitionLength)
	}
	if header.DefinitionLength > maxDefinitionSize {
		return nil, nil, fmt.Errorf("definition of %d bytes exceeds limit", header.DefinitionLength)
	}

	// The buffer grows with the bytes actually present, not with the declared length.
	definition, err := io.ReadAll(io.LimitReader(r, header.DefinitionLength))
	if err != nil {
		return nil, nil, fmt.Errorf("reading definition: %w", err)
	}
	if int64(len(definition)) != header.DefinitionLength {
		return nil, nil, fmt.Errorf("reading definition: got %d of %d bytes: %w", len(definition), header.DefinitionLength, io.ErrUnexpectedEOF)
	}
	sum := sha256.Sum256(definition)
	if got := hex.EncodeToString(sum[:]); got != header.DefinitionSHA256 {
		return nil, nil, fmt.Errorf("definition checksum mismatch: header says %s, content is %s", header.DefinitionSHA256, got)
	}
	return header, definition, nil
}

// Load recreates a model saved with Save. The returned model holds one reference.
func Load(ctx context.Context, registry *engine.Registry, r io.Reader) (*engine.Model, error) {
	header, definition, err := ReadHeader(r)
	if err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "reading persisted model")
	}
	device, err := tensor.ParseDevice(header.Device)
	if err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "reading persisted model")
	}
	return engine.NewModel(ctx, registry, engine.Backend(header.Backend), device, header.Inputs, header.Outputs, definition)
}

// Hash is the content address of an encoded model.
func Hash(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
