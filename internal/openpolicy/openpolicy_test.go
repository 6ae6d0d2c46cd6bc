package openpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ncw-hpss/gridftp-hpss-dsi/archive"
)

func TestHintsForPositiveAllocSize(t *testing.T) {
	got := HintsFor(8192)
	assert.Equal(t, archive.COSHints{
		MinFileSize: 8192,
		MinPriority: archive.PriorityRequired,
		MaxFileSize: 8192,
		MaxPriority: archive.PriorityHighlyDesired,
	}, got)
}

func TestHintsForZeroOrNegativeAllocSize(t *testing.T) {
	assert.Equal(t, archive.COSHints{}, HintsFor(0))
	assert.Equal(t, archive.COSHints{}, HintsFor(-1))
}

func TestOpenFlags(t *testing.T) {
	assert.Equal(t, FlagWriteCreate, OpenFlags(false))
	assert.Equal(t, FlagWriteCreate|FlagTruncate, OpenFlags(true))
}

func TestShouldReapplyHints(t *testing.T) {
	assert.True(t, ShouldReapplyHints(true, false))
	assert.False(t, ShouldReapplyHints(false, false))
	assert.False(t, ShouldReapplyHints(true, true))
	assert.False(t, ShouldReapplyHints(false, true))
}
