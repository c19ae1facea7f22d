package chunk

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "points.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func defaultOptions(size int) Options {
	return Options{LatColumn: "Lat", LonColumn: "Long", ChunkSize: size}
}

func TestOpen_RejectsZeroChunkSize(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n1,2\n")
	_, err := Open(path, defaultOptions(0))
	assert.Error(t, err)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.csv"), defaultOptions(10))
	assert.Error(t, err)
}

func TestOpen_UnknownIDColumn(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n1,2\n")
	opts := defaultOptions(10)
	opts.IDColumn = "row_id"
	_, err := Open(path, opts)
	assert.Error(t, err)
}

func TestNext_SplitsIntoChunks(t *testing.T) {
	path := writeCSV(t, "Name,Lat,Long\na,1,10\nb,2,20\nc,3,30\nd,4,40\ne,5,50\n")
	s, err := Open(path, defaultOptions(2))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var sizes []int
	var indices []int64
	for {
		c, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, len(sizes), c.Index)
		sizes = append(sizes, len(c.Rows))
		for _, r := range c.Rows {
			indices = append(indices, r.Index)
		}
	}

	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, indices)
}

func TestNext_EmptyInput(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n")
	s, err := Open(path, defaultOptions(2))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestSkip_ResumesAtChunkBoundary(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n1,1\n2,2\n3,3\n4,4\n5,5\n")
	s, err := Open(path, defaultOptions(2))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	skipped, err := s.Skip(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Index)
	require.Len(t, c.Rows, 1)
	assert.Equal(t, int64(4), c.Rows[0].Index)
}

func TestSkip_PastEnd(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n1,1\n2,2\n3,3\n")
	s, err := Open(path, defaultOptions(2))
	require.NoError(t, err)
	defer s.Close()

	skipped, err := s.Skip(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)

	_, err = s.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestPoint_Validity(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n35.7,51.4\n,51.4\nabc,1\n1\nNaN,2\n")
	s, err := Open(path, defaultOptions(10))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	points := s.Points(c)
	require.Len(t, points, 5)

	assert.True(t, points[0].Valid)
	assert.Equal(t, 35.7, points[0].Lat)
	assert.Equal(t, 51.4, points[0].Lon)
	for _, p := range points[1:] {
		assert.False(t, p.Valid, "row %d should be invalid", p.Index)
	}
}

func TestPoint_MissingColumnsMarksEverythingInvalid(t *testing.T) {
	path := writeCSV(t, "x,y\n1,2\n")
	s, err := Open(path, defaultOptions(10))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Point(c.Rows[0]).Valid)
}

func TestIDColumn(t *testing.T) {
	path := writeCSV(t, "row_id,Lat,Long\n100,1,1\n205,2,2\nbad,3,3\n")
	opts := defaultOptions(10)
	opts.IDColumn = "row_id"
	s, err := Open(path, opts)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Rows, 3)
	assert.Equal(t, int64(100), c.Rows[0].Index)
	assert.Equal(t, int64(205), c.Rows[1].Index)
	assert.Equal(t, int64(2), c.Rows[2].Index, "unparsable id falls back to position")
}

func TestIDColumn_RejectsDuplicates(t *testing.T) {
	opts := defaultOptions(2)
	opts.IDColumn = "row_id"

	t.Run("within a chunk", func(t *testing.T) {
		s, err := Open(writeCSV(t, "row_id,Lat,Long\n7,1,1\n7,2,2\n"), opts)
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Next(context.Background())
		assert.ErrorIs(t, err, ErrDuplicateIndex)
	})

	t.Run("across chunks", func(t *testing.T) {
		s, err := Open(writeCSV(t, "row_id,Lat,Long\n1,1,1\n2,2,2\n1,3,3\n"), opts)
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Next(context.Background())
		require.NoError(t, err)
		_, err = s.Next(context.Background())
		assert.ErrorIs(t, err, ErrDuplicateIndex)
	})

	t.Run("skipped rows count", func(t *testing.T) {
		s, err := Open(writeCSV(t, "row_id,Lat,Long\n1,1,1\n2,2,2\n2,3,3\n"), opts)
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Skip(context.Background(), 1)
		require.NoError(t, err)
		_, err = s.Next(context.Background())
		assert.ErrorIs(t, err, ErrDuplicateIndex)
	})

	t.Run("position ids may repeat values of other rows", func(t *testing.T) {
		s, err := Open(writeCSV(t, "Name,Lat,Long\n7,1,1\n7,2,2\n"), defaultOptions(2))
		require.NoError(t, err)
		defer s.Close()

		c, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Len(t, c.Rows, 2)
	})
}

func TestByteOrderMarkIsStripped(t *testing.T) {
	path := writeCSV(t, "\xEF\xBB\xBFLat,Long\n1,2\n")
	s, err := Open(path, defaultOptions(10))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"Lat", "Long"}, s.Header())
	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Point(c.Rows[0]).Valid)
}

func TestLookup(t *testing.T) {
	path := writeCSV(t, "Name,Lat,Long\na,1,10\nb,2,20\nc,3,30\nd,4,40\n")
	s, err := Open(path, defaultOptions(2))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first, err := s.Next(ctx)
	require.NoError(t, err)

	rows, err := s.Lookup(ctx, []int64{3, 1, 99})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"b", "2", "20"}, rows[0].Fields)
	assert.Equal(t, []string{"d", "4", "40"}, rows[1].Fields)

	// The sequential reader keeps its position.
	second, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Index+1, second.Index)
	assert.Equal(t, int64(2), second.Rows[0].Index)
}

func TestLookup_Empty(t *testing.T) {
	path := writeCSV(t, "Lat,Long\n1,1\n")
	s, err := Open(path, defaultOptions(2))
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Lookup(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
