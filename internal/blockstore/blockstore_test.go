package blockstore

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

func TestMemPutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMem()
	data := []byte("a block")
	c, err := codec.CIDForBytes(data)
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, c, data))

	got, err := m.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)

	has, err := m.Has(ctx, c)
	require.NoError(t, err)
	require.True(t, has)
}

func TestMemPutRejectsMismatchedCID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMem()
	other, err := codec.CIDForBytes([]byte("wrong content"))
	require.NoError(t, err)

	err = m.Put(ctx, other, []byte("a block"))
	require.Error(t, err)
	require.True(t, pdserr.Is(err, pdserr.KindIntegrity))
}

func TestMemGetMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMem()
	c, err := codec.CIDForBytes([]byte("never written"))
	require.NoError(t, err)

	_, err = m.Get(ctx, c)
	require.Error(t, err)
	require.True(t, pdserr.Is(err, pdserr.KindNotFound))

	has, err := m.Has(ctx, c)
	require.NoError(t, err)
	require.False(t, has)
}

func TestMemGetMany(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMem()

	data1, data2 := []byte("one"), []byte("two")
	c1, err := codec.CIDForBytes(data1)
	require.NoError(t, err)
	c2, err := codec.CIDForBytes(data2)
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, c1, data1))
	require.NoError(t, m.Put(ctx, c2, data2))

	out, err := m.GetMany(ctx, []cid.Cid{c1, c2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, data1, out[c1.KeyString()])
	require.Equal(t, data2, out[c2.KeyString()])
}

func TestMemEach(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMem()
	data := []byte("only block")
	c, err := codec.CIDForBytes(data)
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, c, data))

	seen := 0
	err = m.Each(func(gotC cid.Cid, gotData []byte) error {
		seen++
		require.True(t, c.Equals(gotC))
		require.Equal(t, data, gotData)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen)
	require.Equal(t, 1, m.Len())
}

func TestMemPutManyCastsKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMem()
	data := []byte("batched block")
	c, err := codec.CIDForBytes(data)
	require.NoError(t, err)

	err = m.PutMany(ctx, map[string][]byte{c.KeyString(): data})
	require.NoError(t, err)

	got, err := m.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestTrackingNewBlocksOnlyReportsAdded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := NewMem()
	preData := []byte("preloaded")
	preCID, err := codec.CIDForBytes(preData)
	require.NoError(t, err)
	require.NoError(t, base.Put(ctx, preCID, preData))

	tracking := NewTracking(base)

	newData := []byte("added during commit")
	newCID, err := codec.CIDForBytes(newData)
	require.NoError(t, err)
	require.NoError(t, tracking.Put(ctx, newCID, newData))

	added := tracking.NewBlocks()
	require.Len(t, added, 1)
	require.Equal(t, newData, added[newCID.KeyString()])
	_, stillHasPreloaded := added[preCID.KeyString()]
	require.False(t, stillHasPreloaded)
}
