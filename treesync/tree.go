// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"fmt"
)

// TreeIssue describes one structural problem found and fixed by
// ValidateAndFixTree.
type TreeIssue struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"` // "orphan-parent", "parent-cycle", "self-parent"
	Detail string `json:"detail"`
}

// Rebalancer recomputes fractional rank keys after a merge reshuffles the
// tree. The concrete layout algorithm is an external collaborator; the
// engine only consumes this contract.
type Rebalancer interface {
	Rebalance(project *Project) *Project
}

// NoopRebalancer leaves ranks untouched.
type NoopRebalancer struct{}

func (NoopRebalancer) Rebalance(project *Project) *Project { return project }

// maxTreeIterations bounds worklist traversals so a pathological parent
// chain can never spin the loop forever.
const maxTreeIterations = 100_000

// ValidateAndFixTree repairs structural invariants after a merge: every
// ParentID must reference an existing, non-deleted task in the same project,
// and the parent graph must be acyclic. Violations are fixed by clearing the
// offending ParentID (the task becomes a root) and reported as issues.
//
// The traversal is iterative over an id->task arena with an explicit
// worklist, never recursive, so pathological trees cannot blow the stack.
func ValidateAndFixTree(project *Project) (*Project, []TreeIssue) {
	fixed := project.Clone()
	var issues []TreeIssue

	byID := make(map[string]*Task, len(fixed.Tasks))
	for i := range fixed.Tasks {
		byID[fixed.Tasks[i].ID] = &fixed.Tasks[i]
	}

	// Pass 1: self-references and dangling parents.
	for i := range fixed.Tasks {
		t := &fixed.Tasks[i]
		if t.ParentID == nil {
			continue
		}
		if *t.ParentID == t.ID {
			issues = append(issues, TreeIssue{
				TaskID: t.ID,
				Kind:   "self-parent",
				Detail: "task was its own parent",
			})
			t.ParentID = nil
			continue
		}
		if _, ok := byID[*t.ParentID]; !ok {
			issues = append(issues, TreeIssue{
				TaskID: t.ID,
				Kind:   "orphan-parent",
				Detail: fmt.Sprintf("parent %s does not exist", *t.ParentID),
			})
			t.ParentID = nil
		}
	}

	// Pass 2: cycle detection by walking each task's parent chain with a
	// visited set. The first edge that closes a cycle is cut.
	for i := range fixed.Tasks {
		start := &fixed.Tasks[i]
		if start.ParentID == nil {
			continue
		}
		onPath := map[string]bool{start.ID: true}
		cur := start
		iterations := 0
		for cur.ParentID != nil {
			iterations++
			if iterations > maxTreeIterations {
				// Iteration ceiling reached; cut here rather than hang.
				issues = append(issues, TreeIssue{
					TaskID: cur.ID,
					Kind:   "parent-cycle",
					Detail: "iteration ceiling reached while walking parent chain",
				})
				cur.ParentID = nil
				break
			}
			next, ok := byID[*cur.ParentID]
			if !ok {
				break
			}
			if onPath[next.ID] {
				issues = append(issues, TreeIssue{
					TaskID: cur.ID,
					Kind:   "parent-cycle",
					Detail: fmt.Sprintf("edge %s -> %s closed a cycle", cur.ID, next.ID),
				})
				cur.ParentID = nil
				break
			}
			onPath[next.ID] = true
			cur = next
		}
	}

	return fixed, issues
}

// CascadeStages pushes a stage assignment down a task's subtree using an
// explicit stack over the child index, bounded by the iteration ceiling.
// Children with an explicit different stage are left alone.
func CascadeStages(project *Project, rootID string, stage int) *Project {
	fixed := project.Clone()

	children := make(map[string][]*Task)
	for i := range fixed.Tasks {
		t := &fixed.Tasks[i]
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t)
		}
	}

	root := fixed.FindTask(rootID)
	if root == nil {
		return fixed
	}
	root.Stage = &stage

	stack := []*Task{root}
	iterations := 0
	for len(stack) > 0 {
		iterations++
		if iterations > maxTreeIterations {
			break
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[cur.ID] {
			if child.Stage == nil {
				s := stage
				child.Stage = &s
				stack = append(stack, child)
			}
		}
	}
	return fixed
}
