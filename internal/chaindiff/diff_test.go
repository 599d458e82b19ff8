package chaindiff

import (
	"testing"

	"chain-registry-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func chain(id string, nodes ...string) models.Chain {
	c := models.Chain{ID: id, Name: id}
	for _, url := range nodes {
		c.Nodes = append(c.Nodes, models.Node{URL: url, Name: url})
	}
	return c
}

func ids(chains []models.Chain) []string {
	out := make([]string, 0, len(chains))
	for _, c := range chains {
		out = append(out, c.ID)
	}
	return out
}

func TestDiff_IdenticalCopy(t *testing.T) {
	list := []models.Chain{chain("a", "wss://a"), chain("b", "wss://b")}
	copied := []models.Chain{chain("a", "wss://a"), chain("b", "wss://b")}

	res := Diff(list, copied)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.AddedOrModified)
	assert.True(t, res.Empty())
	assert.Equal(t, copied, res.All)
}

func TestDiff_RemovedAddedModified(t *testing.T) {
	prev := []models.Chain{chain("a", "wss://a"), chain("b", "wss://b"), chain("c", "wss://c")}
	next := []models.Chain{chain("a", "wss://a"), chain("c", "wss://c2"), chain("d", "wss://d")}

	res := Diff(prev, next)
	assert.Equal(t, []string{"b"}, ids(res.Removed))
	assert.Equal(t, []string{"c", "d"}, ids(res.AddedOrModified))
	assert.Equal(t, []string{"a", "c", "d"}, ids(res.All))
}

func TestDiff_FromEmpty(t *testing.T) {
	next := []models.Chain{chain("a"), chain("b")}

	res := Diff(nil, next)
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"a", "b"}, ids(res.AddedOrModified))

	res = Diff(next, nil)
	assert.Equal(t, []string{"a", "b"}, ids(res.Removed))
	assert.Empty(t, res.AddedOrModified)
	assert.Empty(t, res.All)
}
