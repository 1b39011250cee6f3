// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseContextSettings parses settings of the form "param1=value1;param2=value2;..." into the
// hyperparameters of ctx. It returns the list of the parameter paths set.
//
// Parameters must already have a default value in the root scope of ctx: the default value defines
// the type the string value is parsed to. A scope can be given with an absolute path, e.g.
// "/model/layer_1/dropout_rate=0.1" sets "dropout_rate" only for that scope.
//
// An entry "file:<path>" reads settings from a file, one or more per line, with "#" comment lines.
// Integer values accept "_" as a digit separator, e.g. 1_000_000.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseContextSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return nil, errors.Errorf("can't parse setting %q: it must be formatted as \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set parameter %q: scopes must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errors.Errorf("can't set parameter %q: %q has no default value in the root scope",
			paramPath, paramName)
	}
	value, err := parseSettingValue(defaultValue, valueStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseContextSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return nil, err
			}
		}
	}
	return paramsSet, nil
}

// parseSettingValue parses valueStr to the same type as defaultValue.
func parseSettingValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSONNumber[int](valueStr)
	case int32:
		return parseJSONNumber[int32](valueStr)
	case int64:
		return parseJSONNumber[int64](valueStr)
	case uint:
		return parseJSONNumber[uint](valueStr)
	case uint32:
		return parseJSONNumber[uint32](valueStr)
	case uint64:
		return parseJSONNumber[uint64](valueStr)
	case float32:
		return parseJSONNumber[float32](valueStr)
	case float64:
		return parseJSONNumber[float64](valueStr)
	case bool:
		var v bool
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, errors.WithStack(err)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr)
	case []float64:
		return parseList[float64](valueStr)
	default:
		return nil, errors.Errorf("don't know how to parse values of type %T", defaultValue)
	}
}

func parseJSONNumber[T int | int32 | int64 | uint | uint32 | uint64 | float32 | float64](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
	return v, errors.WithStack(err)
}

func parseList[T int | float64](valueStr string) ([]T, error) {
	var firstErr error
	values := xslices.Map(strings.Split(valueStr, ","), func(part string) T {
		v, err := parseJSONNumber[T](part)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	return values, firstErr
}

// SprintModifiedContextSettings pretty-prints the hyperparameters listed in paramsSet, as returned by
// ParseContextSettings.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		if value, found := ctx.InAbsPath(paramScope).GetParam(paramName); found {
			parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
		}
	}
	return strings.Join(parts, "\n")
}
