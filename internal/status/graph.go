// Package status holds the fixed job status graph and the reporting groups.
// The graph is built once at package init and never mutated.
package status

import (
	"sort"

	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// Group is a reporting-only partition of statuses.
type Group string

const (
	GroupActive    Group = "active"
	GroupCompleted Group = "completed"
	GroupInactive  Group = "inactive"
)

var transitions = map[string][]string{
	models.JobStatusScheduled:        {models.JobStatusInProgress, models.JobStatusCancelled, models.JobStatusOnHold},
	models.JobStatusInProgress:       {models.JobStatusCompleted, models.JobStatusOnHold, models.JobStatusRequiresApproval},
	models.JobStatusCompleted:        {models.JobStatusArchived},
	models.JobStatusCancelled:        {models.JobStatusScheduled, models.JobStatusArchived},
	models.JobStatusOnHold:           {models.JobStatusScheduled, models.JobStatusInProgress, models.JobStatusCancelled},
	models.JobStatusRequiresApproval: {models.JobStatusCompleted, models.JobStatusInProgress, models.JobStatusOnHold},
	models.JobStatusPendingApproval:  {models.JobStatusScheduled, models.JobStatusCancelled},
	models.JobStatusArchived:         {},
}

var groups = map[string]Group{
	models.JobStatusScheduled:        GroupActive,
	models.JobStatusInProgress:       GroupActive,
	models.JobStatusOnHold:           GroupActive,
	models.JobStatusRequiresApproval: GroupActive,
	models.JobStatusPendingApproval:  GroupActive,
	models.JobStatusCompleted:        GroupCompleted,
	models.JobStatusCancelled:        GroupInactive,
	models.JobStatusArchived:         GroupInactive,
}

// adjacency is the lookup form of transitions.
var adjacency = func() map[string]map[string]struct{} {
	m := make(map[string]map[string]struct{}, len(transitions))
	for from, tos := range transitions {
		set := make(map[string]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		m[from] = set
	}
	return m
}()

// Known reports whether s is a status defined by the graph.
func Known(s string) bool {
	_, ok := adjacency[s]
	return ok
}

// AllowedTransitions returns the legal successors of from, sorted.
// Unknown statuses have no successors. The returned slice is a fresh copy.
func AllowedTransitions(from string) []string {
	out := make([]string, len(transitions[from]))
	copy(out, transitions[from])
	sort.Strings(out)
	return out
}

// IsLegal reports whether a job may move directly from one status to another.
func IsLegal(from, to string) bool {
	_, ok := adjacency[from][to]
	return ok
}

// IsTerminal reports whether s is a known status with no successors.
func IsTerminal(s string) bool {
	next, ok := adjacency[s]
	return ok && len(next) == 0
}

// All returns every defined status, sorted.
func All() []string {
	out := make([]string, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GroupOf returns the reporting group for s. ok is false for unknown statuses.
func GroupOf(s string) (g Group, ok bool) {
	g, ok = groups[s]
	return g, ok
}

// InGroup reports whether s belongs to g.
func InGroup(s string, g Group) bool {
	return groups[s] == g
}

// Members returns the statuses in g, sorted.
func Members(g Group) []string {
	var out []string
	for s, sg := range groups {
		if sg == g {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ValidGroup reports whether g names a reporting group.
func ValidGroup(g Group) bool {
	switch g {
	case GroupActive, GroupCompleted, GroupInactive:
		return true
	}
	return false
}

// Graph returns a copy of the whole transition table, keyed by source status.
func Graph() map[string][]string {
	out := make(map[string][]string, len(transitions))
	for from := range transitions {
		out[from] = AllowedTransitions(from)
	}
	return out
}
