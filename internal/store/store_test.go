package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	s.SetString("foo", []byte("bar"), 0)
	v, ok, err := s.GetString("foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bar"), v)
}

func TestGetMissingKey(t *testing.T) {
	s := New()
	_, ok, err := s.GetString("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetWrongType(t *testing.T) {
	s := New()
	_, err := s.XAdd("s", "1-1", []Field{{Name: []byte("f"), Value: []byte("v")}})
	require.NoError(t, err)
	_, _, err = s.GetString("s")
	require.ErrorIs(t, err, ErrWrongType{})
}

func TestSetExpiry(t *testing.T) {
	s := New()
	base := int64(1_000_000)
	nowMS = func() int64 { return base }
	defer func() { nowMS = timeNowUnixMilli }()

	s.SetString("k", []byte("v"), 100)
	v, ok, err := s.GetString("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	nowMS = func() int64 { return base + 150 }
	_, ok, err = s.GetString("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetStringAtHonorsAbsoluteExpiry(t *testing.T) {
	s := New()
	base := int64(1_000_000)
	nowMS = func() int64 { return base }
	defer func() { nowMS = timeNowUnixMilli }()

	s.SetStringAt("k", []byte("v"), base+100)
	v, ok, err := s.GetString("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	nowMS = func() int64 { return base + 150 }
	_, ok, err = s.GetString("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetStringAtZeroMeansNoExpiry(t *testing.T) {
	s := New()
	s.SetStringAt("k", []byte("v"), 0)
	v, ok, err := s.GetString("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestIncrCreatesAndIncrements(t *testing.T) {
	s := New()
	n, err := s.Incr("counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Incr("counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestIncrNonNumeric(t *testing.T) {
	s := New()
	s.SetString("k", []byte("not-a-number"), 0)
	_, err := s.Incr("k")
	require.Error(t, err)
}

func TestTypeReportsNoneStringStream(t *testing.T) {
	s := New()
	require.Equal(t, "none", s.Type("missing"))

	s.SetString("str", []byte("v"), 0)
	require.Equal(t, "string", s.Type("str"))

	_, err := s.XAdd("strm", "*", nil)
	require.NoError(t, err)
	require.Equal(t, "stream", s.Type("strm"))
}

func TestKeysInsertionOrder(t *testing.T) {
	s := New()
	s.SetString("b", []byte("1"), 0)
	s.SetString("a", []byte("2"), 0)
	s.SetString("c", []byte("3"), 0)
	require.Equal(t, []string{"b", "a", "c"}, s.Keys())
}

func TestXAddStarAssignsIncreasingSeq(t *testing.T) {
	s := New()
	base := int64(1000)
	nowMS = func() int64 { return base }
	defer func() { nowMS = timeNowUnixMilli }()

	id1, err := s.XAdd("s", "*", nil)
	require.NoError(t, err)
	require.Equal(t, EntryID{MS: 1000, Seq: 0}, id1)

	id2, err := s.XAdd("s", "*", nil)
	require.NoError(t, err)
	require.Equal(t, EntryID{MS: 1000, Seq: 1}, id2)
}

func TestXAddMsWildcardSeq(t *testing.T) {
	s := New()
	id1, err := s.XAdd("s", "5-*", nil)
	require.NoError(t, err)
	require.Equal(t, EntryID{MS: 5, Seq: 0}, id1)

	id2, err := s.XAdd("s", "5-*", nil)
	require.NoError(t, err)
	require.Equal(t, EntryID{MS: 5, Seq: 1}, id2)

	id3, err := s.XAdd("s", "0-*", nil)
	require.Error(t, err) // 0-* with lastID 5-1 is <= lastID
	_ = id3
}

func TestXAddExplicitIDValidation(t *testing.T) {
	s := New()
	_, err := s.XAdd("s", "0-0", nil)
	require.EqualError(t, err, "ERR The ID specified in XADD must be greater than 0-0")

	_, err = s.XAdd("s", "1-1", nil)
	require.NoError(t, err)

	_, err = s.XAdd("s", "1-1", nil)
	require.EqualError(t, err, "ERR The ID specified in XADD is equal or smaller than the target stream top item")

	_, err = s.XAdd("s", "abc-1", nil)
	require.EqualError(t, err, "ERR Invalid stream ID specified as stream command argument")
}

func TestXRangeBounds(t *testing.T) {
	s := New()
	_, err := s.XAdd("s", "1-1", []Field{{Name: []byte("f"), Value: []byte("1")}})
	require.NoError(t, err)
	_, err = s.XAdd("s", "2-1", []Field{{Name: []byte("f"), Value: []byte("2")}})
	require.NoError(t, err)
	_, err = s.XAdd("s", "3-1", []Field{{Name: []byte("f"), Value: []byte("3")}})
	require.NoError(t, err)

	start, err := ParseRangeBound("2", 0)
	require.NoError(t, err)
	end, err := ParseRangeBound("3", maxInt64)
	require.NoError(t, err)

	entries, err := s.XRange("s", start, end)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, EntryID{MS: 2, Seq: 1}, entries[0].ID)
	require.Equal(t, EntryID{MS: 3, Seq: 1}, entries[1].ID)
}

func TestXRangeMissingStreamIsEmpty(t *testing.T) {
	s := New()
	entries, err := s.XRange("nope", EntryID{}, EntryID{MS: maxInt64, Seq: maxInt64})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestXReadAfter(t *testing.T) {
	s := New()
	id1, err := s.XAdd("s", "1-1", nil)
	require.NoError(t, err)
	_, err = s.XAdd("s", "2-1", nil)
	require.NoError(t, err)

	entries, err := s.XReadAfter("s", id1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EntryID{MS: 2, Seq: 1}, entries[0].ID)
}
