// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package safetensors reads tensors stored in HuggingFace ".safetensors" files.
//
// The format is an 8 bytes little-endian header length, followed by a JSON header mapping tensor names
// to their dtype, shape and byte offsets, followed by the contiguous tensors data.
package safetensors

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// NamedTensor is a tensor and its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

const metadataKey = "__metadata__"

// maxHeaderLen guards against reading garbage as a header length.
const maxHeaderLen = 100 << 20

type tensorHeader struct {
	// Format is only present for the metadataKey entry.
	Format string `json:"format"`

	DTypeName  string   `json:"dtype"`
	Dimensions []int    `json:"shape"`
	Offsets    []uint64 `json:"data_offsets"`

	name string
}

func (h *tensorHeader) dtype() dtypes.DType {
	dtype, found := dtypes.MapOfNames[h.DTypeName]
	if !found {
		return dtypes.InvalidDType
	}
	return dtype
}

func (h *tensorHeader) shape() shapes.Shape {
	return shapes.Make(h.dtype(), h.Dimensions...)
}

// readHeader returns the tensors headers sorted by their offsets.
func readHeader(r io.Reader) ([]*tensorHeader, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "failed to read safetensors header length")
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, errors.Errorf("invalid safetensors header length %d", headerLen)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(err, "failed to read safetensors header")
	}
	var entries map[string]*tensorHeader
	if err := json.Unmarshal(headerJSON, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors header")
	}
	if metadata, found := entries[metadataKey]; found {
		if metadata.Format != "" && metadata.Format != "pt" {
			return nil, errors.Errorf("unsupported safetensors format %q, only \"pt\" (PyTorch) is supported", metadata.Format)
		}
		delete(entries, metadataKey)
	}
	if len(entries) == 0 {
		return nil, errors.New("safetensors file holds no tensors")
	}

	headers := make([]*tensorHeader, 0, len(entries))
	for name, h := range entries {
		h.name = name
		if len(h.Offsets) != 2 || h.Offsets[1] < h.Offsets[0] {
			return nil, errors.Errorf("tensor %q: invalid data_offsets %v, expected [start, end]", name, h.Offsets)
		}
		if h.dtype() == dtypes.InvalidDType {
			return nil, errors.Errorf("tensor %q: unsupported dtype %q", name, h.DTypeName)
		}
		if size := uintptr(h.Offsets[1] - h.Offsets[0]); size != h.shape().Memory() {
			return nil, errors.Errorf("tensor %q: shape %s requires %d bytes, but data_offsets reserve %d bytes",
				name, h.shape(), h.shape().Memory(), size)
		}
		headers = append(headers, h)
	}
	slices.SortFunc(headers, func(a, b *tensorHeader) int { return cmp.Compare(a.Offsets[0], b.Offsets[0]) })
	var offset uint64
	for _, h := range headers {
		if h.Offsets[0] != offset {
			return nil, errors.Errorf("tensor %q: data is not contiguous, expected offset %d, got %d",
				h.name, offset, h.Offsets[0])
		}
		offset = h.Offsets[1]
	}
	return headers, nil
}

// Scan returns an iterator over the tensors of a ".safetensors" stream, in the order they are stored.
// Iteration stops at the first error.
func Scan(r io.Reader) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		headers, err := readHeader(r)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, h := range headers {
			t := tensors.FromShape(h.shape())
			var readErr error
			if h.shape().Size() > 0 {
				err = t.MutableBytes(func(data []byte) {
					_, readErr = io.ReadFull(r, data)
				})
				if err == nil {
					err = readErr
				}
			}
			if err != nil {
				yield(nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes", h.name, h.shape().Memory()))
				return
			}
			if !yield(&NamedTensor{Name: h.name, Tensor: t}, nil) {
				return
			}
		}
	}
}

// ReadFile returns an iterator over the tensors of the ".safetensors" file in path.
func ReadFile(path string) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, errors.Wrapf(err, "failed to open %q", path))
			return
		}
		defer func() { _ = f.Close() }()
		for named, err := range Scan(f) {
			if err != nil {
				err = errors.WithMessagef(err, "reading %q", path)
			}
			if !yield(named, err) || err != nil {
				return
			}
		}
	}
}

// TensorNames lists the names of the tensors in the ".safetensors" file in path, without reading their data.
func TensorNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	headers, err := readHeader(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	names := make([]string, len(headers))
	for ii, h := range headers {
		names[ii] = h.name
	}
	return names, nil
}

// ToFloat32 converts a Float16 or BFloat16 tensor to Float32 on the host. Float32 tensors are returned as is.
func ToFloat32(t *tensors.Tensor) (*tensors.Tensor, error) {
	output := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
	var err error
	switch t.DType() {
	case dtypes.Float32:
		return t, nil
	case dtypes.Float16:
		err = widen(t, output, func(v float16.Float16) float32 { return v.Float32() })
	case dtypes.BFloat16:
		err = widen(t, output, func(v bfloat16.BFloat16) float32 { return v.Float32() })
	default:
		return nil, errors.Errorf("can only convert float16 or bfloat16 tensors to float32, got %s", t.DType())
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

func widen[T float16.Float16 | bfloat16.BFloat16](input, output *tensors.Tensor, convert func(T) float32) error {
	var inErr error
	err := tensors.MutableFlatData(output, func(out []float32) {
		inErr = tensors.ConstFlatData(input, func(in []T) {
			for ii, v := range in {
				out[ii] = convert(v)
			}
		})
	})
	if err != nil {
		return err
	}
	return inErr
}
