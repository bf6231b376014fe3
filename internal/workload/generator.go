// Package workload enumerates the (group, member) pairs a run will dispatch.
//
// Member indices are spread evenly over a universe of U members with
// floor(i*U/N) for i = 1..N. Items are produced lazily so batches of any
// size never allocate the full list.
package workload

import (
	"fmt"
	"iter"
)

// WorkItem is one remote mutation: add Member to Group.
type WorkItem struct {
	Group  string
	Member string
	// Index is the member's position in the universe, shown by `plan`. Dispatch ignores it.
	Index int
}

// Batch fills one group with Size members drawn from a universe of Universe.
type Batch struct {
	Group    string
	Size     int
	Universe int
}

// MemberIndex returns floor(i*u/n). Callers guarantee 1 <= i <= n.
func MemberIndex(i, n, u int) int {
	return int(int64(i) * int64(u) / int64(n))
}

// Items yields the batch's work items in enumeration order.
func (b Batch) Items(memberFormat string) iter.Seq[WorkItem] {
	return func(yield func(WorkItem) bool) {
		for i := 1; i <= b.Size; i++ {
			idx := MemberIndex(i, b.Size, b.Universe)
			item := WorkItem{
				Group:  b.Group,
				Member: fmt.Sprintf(memberFormat, idx),
				Index:  idx,
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Plan yields every item of every batch, batches in the given order.
func Plan(batches []Batch, memberFormat string) iter.Seq2[Batch, WorkItem] {
	return func(yield func(Batch, WorkItem) bool) {
		for _, b := range batches {
			for item := range b.Items(memberFormat) {
				if !yield(b, item) {
					return
				}
			}
		}
	}
}

// Count is the total number of items Plan will yield.
func Count(batches []Batch) int {
	total := 0
	for _, b := range batches {
		if b.Size > 0 {
			total += b.Size
		}
	}
	return total
}
