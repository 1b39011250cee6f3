// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// encode a safetensors file with the given header and data.
func encode(t *testing.T, header map[string]any, data []byte) []byte {
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))))
	buf.Write(headerJSON)
	buf.Write(data)
	return buf.Bytes()
}

func testFile(t *testing.T) []byte {
	var data bytes.Buffer
	require.NoError(t, binary.Write(&data, binary.LittleEndian, []float32{1.5, -2}))
	require.NoError(t, binary.Write(&data, binary.LittleEndian, []uint16{
		uint16(float16.Fromfloat32(0.25)), uint16(float16.Fromfloat32(3))}))
	require.NoError(t, binary.Write(&data, binary.LittleEndian, []uint16{uint16(bfloat16.FromFloat32(-1))}))
	return encode(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		// Listed out of order: tensors are yielded in the order of their offsets.
		"model.norm.weight":         map[string]any{"dtype": "BF16", "shape": []int{1}, "data_offsets": []int{12, 14}},
		"model.embed_tokens.weight": map[string]any{"dtype": "F32", "shape": []int{1, 2}, "data_offsets": []int{0, 8}},
		"lm_head.weight":            map[string]any{"dtype": "F16", "shape": []int{2}, "data_offsets": []int{8, 12}},
	}, data.Bytes())
}

func TestScan(t *testing.T) {
	var names []string
	values := make(map[string]*tensors.Tensor)
	for named, err := range Scan(bytes.NewReader(testFile(t))) {
		require.NoError(t, err)
		names = append(names, named.Name)
		values[named.Name] = named.Tensor
	}
	assert.Equal(t, []string{"model.embed_tokens.weight", "lm_head.weight", "model.norm.weight"}, names)
	assert.Equal(t, [][]float32{{1.5, -2}}, values["model.embed_tokens.weight"].Value())
	assert.Equal(t, dtypes.Float16, values["lm_head.weight"].DType())
	assert.Equal(t, dtypes.BFloat16, values["model.norm.weight"].DType())

	f32, err := ToFloat32(values["lm_head.weight"])
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 3}, f32.Value())
	f32, err = ToFloat32(values["model.norm.weight"])
	require.NoError(t, err)
	assert.Equal(t, []float32{-1}, f32.Value())
	same, err := ToFloat32(values["model.embed_tokens.weight"])
	require.NoError(t, err)
	assert.Same(t, values["model.embed_tokens.weight"], same)
	_, err = ToFloat32(tensors.FromValue([]int32{1}))
	require.Error(t, err)
}

func TestReadFileAndTensorNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(path, testFile(t), 0644))
	names, err := TensorNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.embed_tokens.weight", "lm_head.weight", "model.norm.weight"}, names)

	var count int
	for named, err := range ReadFile(path) {
		require.NoError(t, err)
		require.NotNil(t, named.Tensor)
		count++
	}
	assert.Equal(t, 3, count)

	for _, err := range ReadFile(filepath.Join(t.TempDir(), "missing.safetensors")) {
		require.Error(t, err)
	}
}

func TestInvalidFiles(t *testing.T) {
	testCases := []struct {
		name   string
		header map[string]any
		data   []byte
	}{
		{"format", map[string]any{
			"__metadata__": map[string]string{"format": "tf"},
			"a":            map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}},
		}, make([]byte, 4)},
		{"dtype", map[string]any{
			"a": map[string]any{"dtype": "X9", "shape": []int{1}, "data_offsets": []int{0, 4}},
		}, make([]byte, 4)},
		{"size", map[string]any{
			"a": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 4}},
		}, make([]byte, 4)},
		{"gap", map[string]any{
			"a": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{4, 8}},
		}, make([]byte, 8)},
		{"truncated", map[string]any{
			"a": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int{0, 16}},
		}, make([]byte, 4)},
		{"empty", map[string]any{"__metadata__": map[string]string{"format": "pt"}}, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotErr error
			for _, err := range Scan(bytes.NewReader(encode(t, tc.header, tc.data))) {
				if err != nil {
					gotErr = err
				}
			}
			require.Error(t, gotErr)
		})
	}
}
