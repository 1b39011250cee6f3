// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition builds the data-parallel x fully-sharded-data-parallel x model-parallel device mesh
// and maps parameter paths to sharding specifications.
package partition

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/pkg/errors"
)

// Names of the mesh axes.
const (
	AxisDP   = "dp"
	AxisFSDP = "fsdp"
	AxisMP   = "mp"
)

// AxesNames of the mesh, in order.
var AxesNames = []string{AxisDP, AxisFSDP, AxisMP}

// ParseMeshDims parses a mesh dimensions specification like "1,-1,1" for the (dp, fsdp, mp) axes.
//
// At most one dimension can be -1: it takes the number of devices not used by the other dimensions.
// The product of the dimensions must equal numDevices.
func ParseMeshDims(spec string, numDevices int) ([]int, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != len(AxesNames) {
		return nil, errors.Errorf("mesh dimensions %q must have %d comma separated values (%s)",
			spec, len(AxesNames), strings.Join(AxesNames, ","))
	}
	if numDevices <= 0 {
		return nil, errors.Errorf("invalid number of devices %d", numDevices)
	}
	dims := make([]int, len(parts))
	freeAxis := -1
	used := 1
	for ii, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing mesh dimension %q (axis %s) in %q", part, AxesNames[ii], spec)
		}
		switch {
		case dim == -1:
			if freeAxis >= 0 {
				return nil, errors.Errorf("mesh dimensions %q can have only one -1 value", spec)
			}
			freeAxis = ii
		case dim <= 0:
			return nil, errors.Errorf("mesh dimension for axis %s must be positive or -1, got %d", AxesNames[ii], dim)
		default:
			used *= dim
		}
		dims[ii] = dim
	}
	if freeAxis >= 0 {
		if numDevices%used != 0 {
			return nil, errors.Errorf("mesh dimensions %q: %d devices are not divisible by %d", spec, numDevices, used)
		}
		dims[freeAxis] = numDevices / used
		used = numDevices
	}
	if used != numDevices {
		return nil, errors.Errorf("mesh dimensions %q use %d devices, but %d are available", spec, used, numDevices)
	}
	return dims, nil
}

// NewMesh creates the 3-axes device mesh with the given dimensions.
func NewMesh(dims []int) (*distributed.DeviceMesh, error) {
	mesh, err := distributed.NewDeviceMesh(dims, AxesNames)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating mesh with dimensions %v", dims)
	}
	mesh.SetName("gemmapro")
	return mesh, nil
}

// BatchSpec returns the sharding of a [batch, seq_len] batch tensor: the batch axis is split over the
// data-parallel and fully-sharded axes, the sequence axis is replicated.
func BatchSpec(mesh *distributed.DeviceMesh) (*distributed.ShardingSpec, error) {
	return distributed.BuildSpec(mesh).S(AxisDP, AxisFSDP).R().Done()
}
