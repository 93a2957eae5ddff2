package partitiontable

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/subpartition"
)

func TestRegisterGetUnregister(t *testing.T) {
	tbl := New([]string{"peer-a", "peer-b"})
	key := Key{PartitionID: uuid.NewV4(), SubpartitionIndex: 0}
	sp := subpartition.New(nil)

	_, ok := tbl.Get(key)
	assert.False(t, ok)

	tbl.Register(key, sp)
	got, ok := tbl.Get(key)
	require.True(t, ok)
	assert.Same(t, sp, got)

	tbl.Unregister(key)
	_, ok = tbl.Get(key)
	assert.False(t, ok)
}

func TestOwnerIsStableForSameKey(t *testing.T) {
	tbl := New([]string{"peer-a", "peer-b", "peer-c"})
	key := Key{PartitionID: uuid.NewV4(), SubpartitionIndex: 1}

	owner1, ok := tbl.Owner(key)
	require.True(t, ok)
	owner2, ok := tbl.Owner(key)
	require.True(t, ok)
	assert.Equal(t, owner1, owner2)
	assert.Contains(t, []string{"peer-a", "peer-b", "peer-c"}, owner1)
}

func TestKeysListsEveryRegisteredEntry(t *testing.T) {
	tbl := New([]string{"peer-a"})
	k1 := Key{PartitionID: uuid.NewV4(), SubpartitionIndex: 0}
	k2 := Key{PartitionID: uuid.NewV4(), SubpartitionIndex: 1}
	tbl.Register(k1, subpartition.New(nil))
	tbl.Register(k2, subpartition.New(nil))

	keys := tbl.Keys()
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, k1)
	assert.Contains(t, keys, k2)
}

func TestPeersReturnsConfiguredSet(t *testing.T) {
	tbl := New([]string{"peer-a", "peer-b"})
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, tbl.Peers())
}
