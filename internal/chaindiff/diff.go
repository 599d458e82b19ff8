// Package chaindiff compares two chain list snapshots.
package chaindiff

import "chain-registry-go/internal/models"

// Result of comparing two chain lists keyed by chain id.
type Result struct {
	Removed         []models.Chain
	AddedOrModified []models.Chain
	All             []models.Chain
}

// Empty reports whether nothing was removed, added or modified.
func (r Result) Empty() bool {
	return len(r.Removed) == 0 && len(r.AddedOrModified) == 0
}

// Diff returns the chains of previous missing from next, the chains of next
// that are new or differ by value from their previous version, and next
// itself. Output order follows the input lists.
func Diff(previous, next []models.Chain) Result {
	prevByID := make(map[string]models.Chain, len(previous))
	for _, c := range previous {
		prevByID[c.ID] = c
	}
	nextIDs := make(map[string]struct{}, len(next))

	var res Result
	for _, c := range next {
		nextIDs[c.ID] = struct{}{}
		old, ok := prevByID[c.ID]
		if !ok || !old.Equal(c) {
			res.AddedOrModified = append(res.AddedOrModified, c)
		}
	}
	for _, c := range previous {
		if _, ok := nextIDs[c.ID]; !ok {
			res.Removed = append(res.Removed, c)
		}
	}
	res.All = next
	return res
}
