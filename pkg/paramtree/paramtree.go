// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package paramtree implements a persistent (copy-on-write) tree keyed by hierarchical path
// components, used to represent model parameters and the boolean masks selecting which of them
// are updated by a training step.
//
// Trees are values: every operation that "changes" a tree returns a new one, sharing all the
// untouched sub-trees with the original. A Tree is safe to read concurrently.
//
// Paths are the components joined by Separator, e.g. "model/layer_20/attn/q_proj/weights".
package paramtree

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Separator of the path components when flattened to a string.
const Separator = "/"

// node of a tree: either a leaf holding a value or an inner node with children.
// Nodes are never mutated after construction.
type node[T any] struct {
	leaf     bool
	value    T
	children map[string]*node[T]
}

func newInner[T any](size int) *node[T] {
	return &node[T]{children: make(map[string]*node[T], size)}
}

// Tree is an immutable nested mapping from path components to leaves of type T.
// The zero value is an empty tree.
type Tree[T any] struct {
	root *node[T]
}

// New returns an empty tree.
func New[T any]() Tree[T] {
	return Tree[T]{root: newInner[T](0)}
}

// SplitPath splits a flattened path into its components, ignoring leading and trailing separators.
func SplitPath(path string) []string {
	path = strings.Trim(path, Separator)
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// JoinPath joins path components into a flattened path.
func JoinPath(components ...string) string {
	return strings.Join(components, Separator)
}

func (t Tree[T]) rootOrEmpty() *node[T] {
	if t.root == nil {
		return newInner[T](0)
	}
	return t.root
}

// Set returns a new tree with value stored at path. The original tree is not changed.
//
// It fails if path is empty, if it traverses an existing leaf, or if it would replace
// an existing sub-tree by a leaf.
func (t Tree[T]) Set(path string, value T) (Tree[T], error) {
	components := SplitPath(path)
	if len(components) == 0 {
		return t, errors.Errorf("paramtree: cannot set value at an empty path")
	}
	newRoot, err := setNode(t.rootOrEmpty(), components, 0, value)
	if err != nil {
		return t, err
	}
	return Tree[T]{root: newRoot}, nil
}

// MustSet is like Set but panics on error.
func (t Tree[T]) MustSet(path string, value T) Tree[T] {
	newT, err := t.Set(path, value)
	if err != nil {
		panic(err)
	}
	return newT
}

func setNode[T any](n *node[T], components []string, depth int, value T) (*node[T], error) {
	if n != nil && n.leaf {
		return nil, errors.Errorf("paramtree: path %q traverses a leaf at %q",
			JoinPath(components...), JoinPath(components[:depth]...))
	}
	var newNode *node[T]
	if n == nil {
		newNode = newInner[T](1)
	} else {
		newNode = newInner[T](len(n.children) + 1)
		for k, child := range n.children {
			newNode.children[k] = child
		}
	}
	key := components[depth]
	if depth == len(components)-1 {
		if existing, found := newNode.children[key]; found && !existing.leaf {
			return nil, errors.Errorf("paramtree: cannot replace sub-tree at %q by a leaf", JoinPath(components...))
		}
		newNode.children[key] = &node[T]{leaf: true, value: value}
		return newNode, nil
	}
	var child *node[T]
	if n != nil {
		child = n.children[key]
	}
	newChild, err := setNode(child, components, depth+1, value)
	if err != nil {
		return nil, err
	}
	newNode.children[key] = newChild
	return newNode, nil
}

// FromFlat builds a tree from a map of flattened paths to values.
func FromFlat[T any](flat map[string]T) (Tree[T], error) {
	t := New[T]()
	for _, path := range slices.Sorted(maps.Keys(flat)) {
		var err error
		t, err = t.Set(path, flat[path])
		if err != nil {
			return New[T](), err
		}
	}
	return t, nil
}

func (t Tree[T]) find(path string) *node[T] {
	n := t.root
	for _, key := range SplitPath(path) {
		if n == nil || n.leaf {
			return nil
		}
		n = n.children[key]
	}
	return n
}

// Get returns the leaf value at path, and whether it was found.
func (t Tree[T]) Get(path string) (value T, found bool) {
	n := t.find(path)
	if n == nil || !n.leaf {
		return
	}
	return n.value, true
}

// Subtree returns the sub-tree rooted at path. It returns false if path doesn't exist or is a leaf.
func (t Tree[T]) Subtree(path string) (Tree[T], bool) {
	n := t.find(path)
	if n == nil || n.leaf {
		return New[T](), false
	}
	return Tree[T]{root: n}, true
}

// Delete returns a new tree without the leaf or sub-tree at path. Inner nodes left empty are removed.
func (t Tree[T]) Delete(path string) Tree[T] {
	components := SplitPath(path)
	if len(components) == 0 {
		return New[T]()
	}
	newRoot, _ := deleteNode(t.rootOrEmpty(), components)
	if newRoot == nil {
		newRoot = newInner[T](0)
	}
	return Tree[T]{root: newRoot}
}

// deleteNode returns the new node (nil if it became empty) and whether anything changed.
func deleteNode[T any](n *node[T], components []string) (*node[T], bool) {
	if n == nil || n.leaf {
		return n, false
	}
	key := components[0]
	child, found := n.children[key]
	if !found {
		return n, false
	}
	var newChild *node[T]
	if len(components) > 1 {
		var changed bool
		newChild, changed = deleteNode(child, components[1:])
		if !changed {
			return n, false
		}
	}
	newNode := newInner[T](len(n.children))
	for k, c := range n.children {
		if k != key {
			newNode.children[k] = c
		}
	}
	if newChild != nil {
		newNode.children[key] = newChild
	}
	if len(newNode.children) == 0 {
		return nil, true
	}
	return newNode, true
}

// Len returns the number of leaves in the tree.
func (t Tree[T]) Len() int {
	count := 0
	for range t.All() {
		count++
	}
	return count
}

// All iterates over the leaves in lexicographic order of their paths.
func (t Tree[T]) All() iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		if t.root == nil {
			return
		}
		walk(t.root, nil, yield)
	}
}

func walk[T any](n *node[T], prefix []string, yield func(string, T) bool) bool {
	if n.leaf {
		return yield(JoinPath(prefix...), n.value)
	}
	for _, key := range slices.Sorted(maps.Keys(n.children)) {
		if !walk(n.children[key], append(prefix, key), yield) {
			return false
		}
	}
	return true
}

// Paths returns the sorted paths of all leaves.
func (t Tree[T]) Paths() []string {
	paths := make([]string, 0)
	for path := range t.All() {
		paths = append(paths, path)
	}
	return paths
}

// Flatten returns a map of flattened paths to leaf values.
func (t Tree[T]) Flatten() map[string]T {
	flat := make(map[string]T)
	for path, value := range t.All() {
		flat[path] = value
	}
	return flat
}

// String implements fmt.Stringer, listing one leaf per line.
func (t Tree[T]) String() string {
	var sb strings.Builder
	for path, value := range t.All() {
		_, _ = fmt.Fprintf(&sb, "%s: %v\n", path, value)
	}
	return sb.String()
}

// Map returns a tree with the same structure as t, with each leaf converted by fn.
func Map[T, U any](t Tree[T], fn func(path string, value T) U) Tree[U] {
	return Tree[U]{root: mapNode(t.rootOrEmpty(), nil, fn)}
}

func mapNode[T, U any](n *node[T], prefix []string, fn func(path string, value T) U) *node[U] {
	if n.leaf {
		return &node[U]{leaf: true, value: fn(JoinPath(prefix...), n.value)}
	}
	newNode := newInner[U](len(n.children))
	for key, child := range n.children {
		newNode.children[key] = mapNode(child, append(slices.Clone(prefix), key), fn)
	}
	return newNode
}

// SameStructure returns whether both trees have exactly the same paths and the same leaf/inner node layout.
func SameStructure[T, U any](a Tree[T], b Tree[U]) bool {
	return sameStructure(a.rootOrEmpty(), b.rootOrEmpty())
}

func sameStructure[T, U any](a *node[T], b *node[U]) bool {
	if a.leaf != b.leaf {
		return false
	}
	if a.leaf {
		return true
	}
	if len(a.children) != len(b.children) {
		return false
	}
	for key, childA := range a.children {
		childB, found := b.children[key]
		if !found || !sameStructure(childA, childB) {
			return false
		}
	}
	return true
}
