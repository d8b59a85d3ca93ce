package assembler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/diskio"
	"github.com/ccbittorrent/swarmd/internal/metainfo"
	"github.com/ccbittorrent/swarmd/internal/storage"
	"github.com/ccbittorrent/swarmd/internal/storage/filestorage"
)

func TestWriteThenReadRoundTripsAcrossTwoFiles(t *testing.T) {
	dir := t.TempDir()
	sto, err := filestorage.New(dir)
	require.NoError(t, err)
	dq := diskio.NewQueue(1, 2, 1)
	defer dq.Close()

	files := []metainfo.FileInfo{
		{Path: []string{"a.bin"}, Length: 10, Offset: 0},
		{Path: []string{"b.bin"}, Length: 6, Offset: 10},
	}
	asm, err := New(files, 16, sto, dq, storage.PreallocateSparse)
	require.NoError(t, err)
	defer asm.Close()

	piece0 := make([]byte, 16)
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	ctx := context.Background()
	require.NoError(t, asm.WritePiece(ctx, 0, piece0))

	got, err := asm.ReadBlock(ctx, 0, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, piece0, got)
}

func TestReadBlockNotYetWrittenReturnsNil(t *testing.T) {
	dir := t.TempDir()
	sto, err := filestorage.New(dir)
	require.NoError(t, err)
	dq := diskio.NewQueue(1, 1, 1)
	defer dq.Close()

	files := []metainfo.FileInfo{{Path: []string{"a.bin"}, Length: 16, Offset: 0}}
	asm, err := New(files, 16, sto, dq, storage.PreallocateNone)
	require.NoError(t, err)
	defer asm.Close()

	got, err := asm.ReadBlock(context.Background(), 0, 0, 16)
	require.NoError(t, err)
	assert.Nil(t, got)
}
