package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"decoderlm/pkg/tensor"
)

// Checkpoint layout:
//
//	uint32 (little endian)   header length in bytes
//	header                   JSON checkpointHeader
//	data                     float32 values (little endian), tensors in header order
const maxHeaderSize = 64 << 20

type checkpointHeader struct {
	Config  Config        `json:"config"`
	Tensors []tensorEntry `json:"tensors"`
}

type tensorEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// WriteCheckpoint serializes the config and every parameter to w.
func (m *SequenceModel) WriteCheckpoint(w io.Writer) error {
	params := m.Parameters()
	names := ParameterNames(params)

	header := checkpointHeader{Config: m.Config}
	for _, name := range names {
		header.Tensors = append(header.Tensors, tensorEntry{Name: name, Shape: params[name].Shape})
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint header")
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write header length")
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, name := range names {
		if err := binary.Write(bw, binary.LittleEndian, params[name].Data); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", name)
		}
	}
	return errors.Wrap(bw.Flush(), "failed to flush checkpoint")
}

// ReadCheckpoint builds a model from a checkpoint stream. The stored tensors
// must match the parameters of the stored config exactly.
func ReadCheckpoint(r io.Reader) (*SequenceModel, error) {
	br := bufio.NewReader(r)
	var headerLen uint32
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "failed to read header length")
	}
	if headerLen > maxHeaderSize {
		return nil, errors.Errorf("checkpoint header of %d bytes exceeds limit of %d", headerLen, maxHeaderSize)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(br, headerBytes); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	var header checkpointHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}

	m, err := NewSequenceModel(header.Config, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoint config")
	}
	params := m.Parameters()
	if len(header.Tensors) != len(params) {
		return nil, errors.Errorf("checkpoint has %d tensors, model has %d", len(header.Tensors), len(params))
	}
	seen := make(map[string]bool, len(params))
	for _, entry := range header.Tensors {
		t, ok := params[entry.Name]
		if !ok {
			return nil, errors.Errorf("checkpoint tensor %q is not a model parameter", entry.Name)
		}
		if seen[entry.Name] {
			return nil, errors.Errorf("checkpoint lists tensor %q more than once", entry.Name)
		}
		seen[entry.Name] = true
		if !tensorShapeIs(t, entry.Shape) {
			return nil, errors.Errorf("tensor %q has shape %v in checkpoint, model expects %v",
				entry.Name, entry.Shape, t.Shape)
		}
		if err := binary.Read(br, binary.LittleEndian, t.Data); err != nil {
			return nil, errors.Wrapf(err, "failed to read tensor %q", entry.Name)
		}
	}
	return m, nil
}

// SaveCheckpoint writes the model to path.
func (m *SequenceModel) SaveCheckpoint(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint %q", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = errors.Wrapf(cerr, "failed to close checkpoint %q", path)
		}
	}()
	if err := m.WriteCheckpoint(f); err != nil {
		return errors.WithMessagef(err, "checkpoint %q", path)
	}
	klog.V(1).InfoS("Saved checkpoint", "path", path, "parameters", m.NumParameters())
	return nil
}

// LoadCheckpoint reads a model from path.
func LoadCheckpoint(path string) (*SequenceModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer f.Close()

	m, err := ReadCheckpoint(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	klog.V(1).InfoS("Loaded checkpoint", "path", path, "parameters", m.NumParameters())
	return m, nil
}

func tensorShapeIs(t *tensor.Tensor, shape []int) bool {
	return t.ShapeEquals(&tensor.Tensor{Shape: shape})
}
