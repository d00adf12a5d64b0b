package sidecar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/orderedmap"
)

const doc = `{
    "fc1": {
        "q_op_infos": {
            "0": {
                "op_type": "linear",
                "op_type_is_module": true,
                "fqn": "fc1",
                "input_tensor_infos": [
                    {"id": 0, "orig_dtype": "float32", "inf_dtype": "quint8", "scale": 1, "zero_point": 0, "custom": "keep"}
                ],
                "weight_tensor_infos": [
                    {"id": 1, "orig_dtype": "float32", "inf_dtype": "qint8"}
                ],
                "output_tensor_infos": [
                    {"id": 2, "orig_dtype": "float32", "inf_dtype": "float32"}
                ],
                "activation_observer": {"name": "MinMaxObserver", "reduce_range": false}
            }
        },
        "layer_output_infos": [{"id": 2}]
    },
    "act": {
        "q_op_infos": {
            "0": {"op_type": "gelu", "op_type_is_module": false, "fqn": "fc1", "input_tensor_infos": []}
        }
    }
}`

func keysOf(t *testing.T, raw []byte) []string {
	t.Helper()
	o := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, o); err != nil {
		t.Fatal(err)
	}
	var out []string
	for k := range o.Keys() {
		out = append(out, k)
	}
	return out
}

func opOf(t *testing.T, data []byte) map[string]json.RawMessage {
	t.Helper()
	var root map[string]struct {
		Ops map[string]map[string]json.RawMessage `json:"q_op_infos"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		t.Fatal(err)
	}
	return root["fc1"].Ops["0"]
}

func TestUpdateSmoothQuantIsSurgical(t *testing.T) {
	t.Parallel()
	d, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, err := d.UpdateSmoothQuant(map[string]SQScale{
		"fc1": {
			InputScaleForMul:    []float32{0.5, 0.25},
			InputScale:          0.02,
			InputZeroPoint:      3,
			WeightScaleAfterMul: []float32{0.1, 0.2},
		},
	})
	if err != nil {
		t.Fatalf("UpdateSmoothQuant: %v", err)
	}
	if n != 1 {
		t.Fatalf("updated %d ops, want 1 (non-module op must be skipped)", n)
	}
	out, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(keysOf(t, []byte(doc)), keysOf(t, out)); diff != "" {
		t.Fatalf("module order changed (-want +got):\n%s", diff)
	}
	before, after := opOf(t, []byte(doc)), opOf(t, out)
	for _, k := range []string{"op_type", "fqn", "output_tensor_infos", "activation_observer"} {
		var a, b any
		json.Unmarshal(before[k], &a)
		json.Unmarshal(after[k], &b)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Fatalf("field %s changed (-want +got):\n%s", k, diff)
		}
	}

	var inputs []map[string]any
	if err := json.Unmarshal(after["input_tensor_infos"], &inputs); err != nil {
		t.Fatal(err)
	}
	in := inputs[0]
	if in["custom"] != "keep" || in["inf_dtype"] != "quint8" {
		t.Fatalf("unrelated input fields lost: %v", in)
	}
	if in["zero_point"].(float64) != 3 || in["scale"].(float64) < 0.0199 || in["scale"].(float64) > 0.0201 {
		t.Fatalf("input qparams not updated: %v", in)
	}
	var inOrder []json.RawMessage
	json.Unmarshal(after["input_tensor_infos"], &inOrder)
	if diff := cmp.Diff([]string{"id", "orig_dtype", "inf_dtype", "scale", "zero_point", "custom", "smooth_quant_scaling_factor"}, keysOf(t, inOrder[0])); diff != "" {
		t.Fatalf("input field order (-want +got):\n%s", diff)
	}

	var weights []struct {
		Factor []float32 `json:"smooth_quant_scaling_factor"`
		Scale  []float32 `json:"scale"`
	}
	if err := json.Unmarshal(after["weight_tensor_infos"], &weights); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{2, 4}, weights[0].Factor); diff != "" {
		t.Fatalf("weight factor (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0.1, 0.2}, weights[0].Scale); diff != "" {
		t.Fatalf("weight scale (-want +got):\n%s", diff)
	}
}

func TestMalformedIsConfigError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"fc1": `},
		{"array root", `[1, 2]`},
		{"scalar module", `{"fc1": 3}`},
	}
	for _, tc := range tests {
		if _, err := Parse([]byte(tc.data)); !errtypes.IsConfig(err) {
			t.Fatalf("%s: got %v, want config error", tc.name, err)
		}
	}

	d, err := Parse([]byte(`{"m": {"q_op_infos": {"0": {"fqn": "fc", "op_type_is_module": true, "input_tensor_infos": []}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.UpdateSmoothQuant(map[string]SQScale{"fc": {}}); !errtypes.IsConfig(err) {
		t.Fatalf("empty tensor list: got %v, want config error", err)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "qconf.json")
	ops := []OpInfo{
		{OpType: "linear", OpTypeIsModule: true, FQN: "fc1",
			Inputs:  []TensorInfo{{ID: 0, OrigDType: "float32", InfDType: "quint8"}},
			Weights: []TensorInfo{{ID: 1, OrigDType: "float32", InfDType: "qint8"}},
			Outputs: []TensorInfo{{ID: 2, OrigDType: "float32", InfDType: "float32"}}},
		{OpType: "linear", OpTypeIsModule: true, FQN: "fc2"},
	}
	changed, err := Refresh(path, ops)
	if err != nil || !changed {
		t.Fatalf("first refresh: changed=%v err=%v", changed, err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	changed, err = Refresh(path, ops)
	if err != nil || changed {
		t.Fatalf("second refresh: changed=%v err=%v", changed, err)
	}
	second, _ := os.ReadFile(path)
	if !bytes.Equal(first, second) {
		t.Fatal("second refresh rewrote the file")
	}

	d, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := d.Op("fc1")
	if err != nil || !ok {
		t.Fatalf("Op: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(ops[0], got); diff != "" {
		t.Fatalf("entry (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fc1", "fc2"}, d.Modules()); diff != "" {
		t.Fatalf("modules (-want +got):\n%s", diff)
	}

	n, err := UpdateFile(path, map[string]SQScale{"fc1": {InputScaleForMul: []float32{1}, WeightScaleAfterMul: []float32{1}}})
	if err != nil || n != 1 {
		t.Fatalf("UpdateFile: n=%d err=%v", n, err)
	}
}

func TestZeroChannelScaleKeepsDocumentEncodable(t *testing.T) {
	t.Parallel()
	d, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := d.UpdateSmoothQuant(map[string]SQScale{
		"fc1": {InputScaleForMul: []float32{0, 0.5}, InputScale: 0.1, WeightScaleAfterMul: []float32{0.1, 0.1}},
	}); err != nil {
		t.Fatalf("UpdateSmoothQuant: %v", err)
	}
	out, err := d.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	var weights []struct {
		Factor []float32 `json:"smooth_quant_scaling_factor"`
	}
	if err := json.Unmarshal(opOf(t, out)["weight_tensor_infos"], &weights); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 2}, weights[0].Factor); diff != "" {
		t.Fatalf("weight factor (-want +got):\n%s", diff)
	}
}
