package diskq

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsNormalizeRoundsBufferSize(t *testing.T) {
	o := DefaultOptions
	o.TargetFileSize = 100
	o.MaxBufferSize = 350
	o.MaxRecordSize = 100
	require.NoError(t, o.validate())
	o.normalize()

	assert.Equal(t, uint64(300), o.MaxBufferSize)
}

func TestOptionsNormalizeFillsDefaults(t *testing.T) {
	o := DefaultOptions
	o.ArchiveConcurrency = 0
	o.normalize()

	assert.Equal(t, DefaultOptions.ArchiveConcurrency, o.ArchiveConcurrency)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Usage)
	assert.NotNil(t, o.fsys)
}

func TestOptionsOversizedRecordAllowed(t *testing.T) {
	// A record may exceed the target file size; it just gets a data file
	// of its own. Only the buffer limit bounds it.
	o := DefaultOptions
	o.TargetFileSize = 1024
	o.MaxRecordSize = 4096
	o.MaxBufferSize = 8192
	assert.NoError(t, o.validate())
}

func TestOptionsValidateRejectsHugeRecordSize(t *testing.T) {
	// The on-disk frame length prefix is 32 bits; a record limit that
	// cannot be framed must be rejected up front instead of truncating
	// length prefixes at write time.
	o := DefaultOptions
	o.MaxBufferSize = 16 << 30
	o.MaxRecordSize = 1 << 32
	err := o.validate()

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "MaxRecordSize", cerr.Param)

	o.MaxRecordSize = math.MaxUint32 - recordFrameOverhead
	assert.NoError(t, o.validate())
}

func TestOptionsValidateReportsParam(t *testing.T) {
	o := DefaultOptions
	o.FlushInterval = -time.Second
	err := o.validate()

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "FlushInterval", cerr.Param)
	assert.Contains(t, err.Error(), "FlushInterval")
}
