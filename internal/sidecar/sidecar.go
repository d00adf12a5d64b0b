// Package sidecar reads and rewrites the per-operator quantisation config
// file kept next to a model.  Documents keep their key order and every
// field this package does not own, so a rewrite only touches the values it
// was asked to change.
package sidecar

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/orderedmap"
)

// Field names of the file format.
const (
	keyOpInfos  = "q_op_infos"
	keyFQN      = "fqn"
	keyIsModule = "op_type_is_module"
	keyInputs   = "input_tensor_infos"
	keyWeights  = "weight_tensor_infos"
	keyScale    = "scale"
	keyZP       = "zero_point"
	keySQFactor = "smooth_quant_scaling_factor"
)

// TensorInfo describes one tensor of an operator.
type TensorInfo struct {
	ID         int    `json:"id"`
	OrigDType  string `json:"orig_dtype"`
	InfDType   string `json:"inf_dtype"`
	ForceDType string `json:"force_dtype,omitempty"`
}

// OpInfo is the entry of one operator.
type OpInfo struct {
	OpType         string       `json:"op_type"`
	OpTypeIsModule bool         `json:"op_type_is_module"`
	FQN            string       `json:"fqn"`
	Inputs         []TensorInfo `json:"input_tensor_infos"`
	Weights        []TensorInfo `json:"weight_tensor_infos"`
	Outputs        []TensorInfo `json:"output_tensor_infos"`
}

// SQScale is the smooth quant record of one operator.
type SQScale struct {
	InputScaleForMul    []float32
	InputScale          float32
	InputZeroPoint      int32
	WeightScaleAfterMul []float32
}

type object = orderedmap.Map[string, json.RawMessage]

// Document is a parsed sidecar file: module key → {"q_op_infos": {id → op}}.
type Document struct {
	root *object
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{root: orderedmap.New[string, json.RawMessage]()}
}

// Parse decodes data.  Anything that is not a JSON object of objects is a
// configuration error.
func Parse(data []byte) (*Document, error) {
	root, err := decodeObject(data)
	if err != nil {
		return nil, malformed("", err)
	}
	for key, raw := range root.All() {
		if _, err := decodeObject(raw); err != nil {
			return nil, malformed(key, err)
		}
	}
	return &Document{root: root}, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	return Parse(data)
}

// Bytes encodes the document with four-space indentation.
func (d *Document) Bytes() ([]byte, error) {
	raw, err := json.Marshal(d.root)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Save writes the document to path.
func (d *Document) Save(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Modules lists module keys in file order.
func (d *Document) Modules() []string {
	var out []string
	for k := range d.root.Keys() {
		out = append(out, k)
	}
	return out
}

// Op returns the entry with the given fqn.
func (d *Document) Op(fqn string) (OpInfo, bool, error) {
	var found OpInfo
	var ok bool
	err := d.walk(func(_ string, op *object) (bool, error) {
		name, _ := stringField(op, keyFQN)
		if name != fqn {
			return false, nil
		}
		raw, err := json.Marshal(op)
		if err != nil {
			return false, err
		}
		if err := json.Unmarshal(raw, &found); err != nil {
			return false, malformed(fqn, err)
		}
		ok = true
		return false, nil
	})
	return found, ok, err
}

// Ensure adds op under its own module key unless an entry with the same
// fqn exists.  It reports whether the document changed.
func (d *Document) Ensure(op OpInfo) (bool, error) {
	if _, ok, err := d.Op(op.FQN); err != nil || ok {
		return false, err
	}
	key := op.FQN
	mod, ok := d.root.Get(key)
	var m *object
	if ok {
		var err error
		if m, err = decodeObject(mod); err != nil {
			return false, malformed(key, err)
		}
	} else {
		m = orderedmap.New[string, json.RawMessage]()
	}
	ops := orderedmap.New[string, json.RawMessage]()
	if raw, ok := m.Get(keyOpInfos); ok && !isNull(raw) {
		var err error
		if ops, err = decodeObject(raw); err != nil {
			return false, malformed(key, err)
		}
	}
	if err := setJSON(ops, strconv.Itoa(ops.Len()), op); err != nil {
		return false, err
	}
	if err := setJSON(m, keyOpInfos, ops); err != nil {
		return false, err
	}
	return true, setJSON(d.root, key, m)
}

// UpdateSmoothQuant writes the smooth quant record of every module op whose
// fqn is in scales.  Only scale, zero_point and smooth_quant_scaling_factor
// of the first input and weight tensor change.  It returns the number of
// ops updated.
func (d *Document) UpdateSmoothQuant(scales map[string]SQScale) (int, error) {
	n := 0
	err := d.walk(func(_ string, op *object) (bool, error) {
		fqn, _ := stringField(op, keyFQN)
		sc, ok := scales[fqn]
		if !ok {
			return false, nil
		}
		var isModule bool
		if raw, ok := op.Get(keyIsModule); ok {
			if err := json.Unmarshal(raw, &isModule); err != nil {
				return false, malformed(fqn, err)
			}
		}
		if !isModule {
			return false, nil
		}
		weightFactor := make([]float32, len(sc.InputScaleForMul))
		for i, v := range sc.InputScaleForMul {
			// a zero channel scale has no inverse; it stays zero
			if v != 0 {
				weightFactor[i] = 1 / v
			}
		}
		if err := updateFirst(op, fqn, keyInputs,
			field{keyScale, sc.InputScale},
			field{keyZP, sc.InputZeroPoint},
			field{keySQFactor, sc.InputScaleForMul},
		); err != nil {
			return false, err
		}
		if err := updateFirst(op, fqn, keyWeights,
			field{keySQFactor, weightFactor},
			field{keyScale, sc.WeightScaleAfterMul},
		); err != nil {
			return false, err
		}
		n++
		return true, nil
	})
	return n, err
}

// walk calls fn for every op entry.  When fn reports a change the entry is
// written back through every enclosing level.
func (d *Document) walk(fn func(module string, op *object) (bool, error)) error {
	for key, raw := range d.root.All() {
		mod, err := decodeObject(raw)
		if err != nil {
			return malformed(key, err)
		}
		opsRaw, ok := mod.Get(keyOpInfos)
		if !ok || isNull(opsRaw) {
			continue
		}
		ops, err := decodeObject(opsRaw)
		if err != nil {
			return malformed(key, err)
		}
		changed := false
		for id, opRaw := range ops.All() {
			op, err := decodeObject(opRaw)
			if err != nil {
				return malformed(key+"/"+id, err)
			}
			dirty, err := fn(key, op)
			if err != nil {
				return err
			}
			if dirty {
				if err := setJSON(ops, id, op); err != nil {
					return err
				}
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := setJSON(mod, keyOpInfos, ops); err != nil {
			return err
		}
		if err := setJSON(d.root, key, mod); err != nil {
			return err
		}
	}
	return nil
}

type field struct {
	key   string
	value any
}

func updateFirst(op *object, fqn, listKey string, fields ...field) error {
	raw, ok := op.Get(listKey)
	if !ok {
		return errtypes.Config("sidecar", fqn, "missing %s", listKey)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return malformed(fqn, err)
	}
	if len(list) == 0 {
		return errtypes.Config("sidecar", fqn, "empty %s", listKey)
	}
	first, err := decodeObject(list[0])
	if err != nil {
		return malformed(fqn, err)
	}
	for _, f := range fields {
		if err := setJSON(first, f.key, f.value); err != nil {
			return err
		}
	}
	if list[0], err = json.Marshal(first); err != nil {
		return err
	}
	return setJSON(op, listKey, list)
}

func decodeObject(raw []byte) (*object, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("not a JSON object")
	}
	o := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(trimmed, o); err != nil {
		return nil, err
	}
	return o, nil
}

func setJSON(o *object, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	o.Set(key, raw)
	return nil
}

func stringField(o *object, key string) (string, bool) {
	raw, ok := o.Get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func malformed(where string, err error) error {
	return errtypes.Config("sidecar", where, "malformed sidecar: %v", err)
}

// Refresh makes sure the file at path has an entry for every op, creating
// the file when needed.  Existing entries are left alone, so refreshing
// twice with the same ops writes nothing the second time.
func Refresh(path string, ops []OpInfo) (changed bool, err error) {
	doc, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		doc, err = NewDocument(), nil
	}
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		added, err := doc.Ensure(op)
		if err != nil {
			return false, err
		}
		changed = changed || added
	}
	if !changed {
		return false, nil
	}
	return true, doc.Save(path)
}

// UpdateFile applies UpdateSmoothQuant to the file at path.
func UpdateFile(path string, scales map[string]SQScale) (int, error) {
	doc, err := Load(path)
	if err != nil {
		return 0, err
	}
	n, err := doc.UpdateSmoothQuant(scales)
	if err != nil || n == 0 {
		return n, err
	}
	return n, doc.Save(path)
}
