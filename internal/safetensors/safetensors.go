// Package safetensors reads and writes the safetensors checkpoint format
// for the float dtypes a lowbit model file may carry.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	json "github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/lowbit/internal/orderedmap"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// DType names an element type the way the header spells it.
type DType string

const (
	F32  DType = "F32"
	BF16 DType = "BF16"
	F16  DType = "F16"
)

// Size is the number of bytes of one element.
func (d DType) Size() (int, error) {
	switch d {
	case F32:
		return 4, nil
	case BF16, F16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", d)
	}
}

const metadataKey = "__metadata__"

// ErrNotFound is returned when a tensor name is missing from a file.
var ErrNotFound = errors.New("tensor not found")

type TensorInfo struct {
	DType DType
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}
	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names lists the tensors in the file, sorted.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a tensor and widens it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	size, err := info.DType.Size()
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*size {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}
	return decode(raw, info.DType, n), info, nil
}

// ReadMat reads a 2-D tensor as a [rows x cols] matrix.
func (f *File) ReadMat(name string) (tensor.Mat, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if len(info.Shape) != 2 {
		return tensor.Mat{}, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, info.Shape)
	}
	return tensor.NewMatFromData(info.Shape[0], info.Shape[1], data), nil
}

// ReadVec reads a 1-D tensor.
func (f *File) ReadVec(name string) ([]float32, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor, got shape %v", name, info.Shape)
	}
	return data, nil
}

func decode(raw []byte, dt DType, n int) []float32 {
	switch dt {
	case BF16:
		return bfloat16.DecodeFloat32(raw)
	case F16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out
	default:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	}
}

func encode(vals []float32, dt DType) []byte {
	switch dt {
	case BF16:
		return bfloat16.EncodeFloat32(vals)
	case F16:
		out := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	default:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
}

// Tensor is one entry to write.  Shape defaults to [len(Data)].
type Tensor struct {
	Shape []int
	Data  []float32
}

// Mat wraps a matrix for writing.
func Mat(m tensor.Mat) Tensor {
	data := make([]float32, 0, m.R*m.C)
	for i := 0; i < m.R; i++ {
		data = append(data, m.Row(i)...)
	}
	return Tensor{Shape: []int{m.R, m.C}, Data: data}
}

// Vec wraps a vector for writing.
func Vec(v []float32) Tensor {
	return Tensor{Shape: []int{len(v)}, Data: v}
}

// Encode serialises tensors in name order, all stored as dt.
func Encode(tensors map[string]Tensor, dt DType, meta map[string]string) ([]byte, error) {
	if _, err := dt.Size(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := orderedmap.New[string, any]()
	if len(meta) > 0 {
		header.Set(metadataKey, meta)
	}
	var data bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		shape := t.Shape
		if shape == nil {
			shape = []int{len(t.Data)}
		}
		n, err := numElements(shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d elements, got %d", name, shape, n, len(t.Data))
		}
		start := int64(data.Len())
		data.Write(encode(t.Data, dt))
		header.Set(name, tensorHeader{DType: dt, Shape: shape, DataOffsets: []int64{start, int64(data.Len())}})
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	// data section starts on an 8 byte boundary
	for (len(hdr))%8 != 0 {
		hdr = append(hdr, ' ')
	}
	out := make([]byte, 8, 8+len(hdr)+data.Len())
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	return append(out, data.Bytes()...), nil
}

// Write encodes tensors and writes them to path.
func Write(path string, tensors map[string]Tensor, dt DType, meta map[string]string) error {
	buf, err := Encode(tensors, dt, meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
