package zombie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopParentsOrdersByCountThenPPID(t *testing.T) {
	byParent := map[int32]int{10: 2, 20: 5, 30: 5, 40: 1}
	got := topParents(byParent, 3)

	assert.Equal(t, []ParentGroup{
		{PPID: 20, Count: 5},
		{PPID: 30, Count: 5},
		{PPID: 10, Count: 2},
	}, got)
}

func TestTopParentsBoundedAtN(t *testing.T) {
	byParent := map[int32]int{1: 1, 2: 2, 3: 3, 4: 4}
	got := topParents(byParent, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(4), got[0].PPID)
}
