package rangelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeEnd(t *testing.T) {
	assert.Equal(t, int64(3), Range{Offset: 1, Length: 2}.End())
	assert.Equal(t, OpenEnded, Range{Offset: 1, Length: OpenEnded}.End())
}

func TestRangeIsEmpty(t *testing.T) {
	assert.False(t, Range{Offset: 1, Length: 2}.IsEmpty())
	assert.True(t, Range{Offset: 1, Length: 0}.IsEmpty())
	assert.True(t, Range{Offset: 1, Length: -1}.IsEmpty())
}

func TestInsertCoalescing(t *testing.T) {
	// Coalescing law: insert(r1); insert(r2) where r2 abuts r1 yields a
	// single range equal to r1 ∪ r2 regardless of order.
	for _, order := range [][2]Range{
		{{Offset: 0, Length: 4}, {Offset: 4, Length: 4}},
		{{Offset: 4, Length: 4}, {Offset: 0, Length: 4}},
	} {
		l := &List{}
		require.NoError(t, l.Insert(order[0].Offset, order[0].Length))
		require.NoError(t, l.Insert(order[1].Offset, order[1].Length))
		assert.Equal(t, []Range{{Offset: 0, Length: 8}}, l.All())
	}
}

func TestInsertNonAbuttingStaysSeparate(t *testing.T) {
	l := &List{}
	require.NoError(t, l.Insert(0, 4))
	require.NoError(t, l.Insert(10, 4))
	assert.Equal(t, []Range{{Offset: 0, Length: 4}, {Offset: 10, Length: 4}}, l.All())
}

func TestInsertIntoOpenEndedRangeRejected(t *testing.T) {
	l := &List{}
	require.NoError(t, l.Insert(0, OpenEnded))
	require.Error(t, l.Insert(100, 10)) // overlaps the open-ended range
}

func TestInsertZeroLengthRejected(t *testing.T) {
	l := &List{}
	assert.ErrorIs(t, l.Insert(0, 0), ErrZeroLength)
}

func TestInsertOverlapRejected(t *testing.T) {
	l := &List{}
	require.NoError(t, l.Insert(0, 10))
	assert.ErrorIs(t, l.Insert(5, 10), ErrOverlap)
}

func TestDeleteSplitsNode(t *testing.T) {
	l := &List{}
	require.NoError(t, l.Insert(0, 10))
	require.NoError(t, l.Delete(4, 2))
	assert.Equal(t, []Range{{Offset: 0, Length: 4}, {Offset: 6, Length: 4}}, l.All())
}

func TestDeleteFromOpenEndedRange(t *testing.T) {
	l := &List{}
	require.NoError(t, l.Insert(0, OpenEnded))
	require.NoError(t, l.Delete(0, 4))
	assert.Equal(t, []Range{{Offset: 4, Length: OpenEnded}}, l.All())
}

func TestPeekPop(t *testing.T) {
	l := &List{}
	require.NoError(t, l.Insert(10, 5))
	require.NoError(t, l.Insert(20, 5))

	r, ok := l.Peek()
	require.True(t, ok)
	assert.Equal(t, Range{Offset: 10, Length: 5}, r)
	assert.Equal(t, 2, l.Len())

	r, ok = l.Pop()
	require.True(t, ok)
	assert.Equal(t, Range{Offset: 10, Length: 5}, r)
	assert.Equal(t, 1, l.Len())

	_, ok = l.Pop()
	require.True(t, ok)
	_, ok = l.Pop()
	assert.False(t, ok)
}

func TestTransferToFileAndBack(t *testing.T) {
	ranges := []Range{{Offset: 100, Length: 10}, {Offset: 200, Length: 10}}

	fileOff, err := TransferToFile(ranges, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(105), fileOff)

	fileOff, err = TransferToFile(ranges, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(202), fileOff)

	transferOff, err := FileToTransfer(ranges, 202)
	require.NoError(t, err)
	assert.Equal(t, int64(12), transferOff)

	_, err = TransferToFile(ranges, 100)
	assert.Error(t, err)
}

func TestFillForRetrClipsOpenRangeToFileSize(t *testing.T) {
	l, err := FillForRetr([]FrameRange{{Offset: 3, Length: -1}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Offset: 3, Length: 7}}, l.All())
}

func TestFillForRetrDropsRangeEntirelyPastEOF(t *testing.T) {
	l, err := FillForRetr([]FrameRange{{Offset: 20, Length: -1}}, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestFillForStorLeavesOpenRangeOpen(t *testing.T) {
	l, err := FillForStor([]FrameRange{{Offset: 0, Length: -1}})
	require.NoError(t, err)
	assert.Equal(t, []Range{{Offset: 0, Length: OpenEnded}}, l.All())
}

func TestFillForCksmMultipleDisjointRanges(t *testing.T) {
	l, err := FillForCksm([]FrameRange{{Offset: 0, Length: 4}, {Offset: 8, Length: 4}}, 100)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Offset: 0, Length: 4}, {Offset: 8, Length: 4}}, l.All())
}
