// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"iter"
	"slices"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnEpochEndFn is the type of OnEpochEnd hooks. epoch is the 0-based index of the epoch just finished.
type OnEpochEndFn func(loop *Loop, epoch int) error

// OnEpochEnd adds a hook with given priority and name (for error reporting), called at the end of every
// epoch, after the epoch loss is logged and the checkpoint (if any) is written.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{
		name: name,
		fn:   fn,
	})
}

// OnBatchEndFn is the type of OnBatchEnd hooks. It receives the 0-based epoch index, the loss of the
// batch just trained and its number of images.
type OnBatchEndFn func(loop *Loop, epoch int, loss float64, batchSize int) error

// OnBatchEnd adds a hook with given priority and name (for error reporting), called after every training step.
func (loop *Loop) OnBatchEnd(name string, priority Priority, fn OnBatchEndFn) {
	loop.onBatchEnd.Add(priority, &hookWithName[OnBatchEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of registration
// within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
