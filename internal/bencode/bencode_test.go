package bencode

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripGeneric(t *testing.T) {
	cases := []interface{}{
		"hello",
		int64(42),
		int64(0),
		int64(-7),
		[]interface{}{"a", int64(1), []interface{}{"nested"}},
		map[string]interface{}{"b": int64(2), "a": int64(1)},
	}
	for _, v := range cases {
		enc, err := Marshal(v)
		require.NoError(t, err)

		var out interface{}
		require.NoError(t, Unmarshal(enc, &out))
		assert.Equal(t, v, out)
	}
}

func TestCanonicalDictKeyOrder(t *testing.T) {
	enc, err := Marshal(map[string]interface{}{"z": int64(1), "a": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, "d1:ai2e1:zi1ee", string(enc))
}

func TestRejectsLeadingZeroInteger(t *testing.T) {
	var out interface{}
	err := Unmarshal([]byte("i03e"), &out)
	require.Error(t, err)
	var ib *InvalidBencode
	require.ErrorAs(t, err, &ib)
}

func TestRejectsNegativeZero(t *testing.T) {
	var out interface{}
	err := Unmarshal([]byte("i-0e"), &out)
	require.Error(t, err)
}

func TestRejectsDeepNesting(t *testing.T) {
	d := NewDecoder(sliceReader(buildNested(DefaultMaxDepth + 10)))
	d.MaxDepth = DefaultMaxDepth
	var out interface{}
	err := d.Decode(&out)
	require.Error(t, err)
}

func buildNested(depth int) []byte {
	b := make([]byte, 0, depth*2+2)
	for i := 0; i < depth; i++ {
		b = append(b, 'l')
	}
	b = append(b, '0', ':')
	for i := 0; i < depth; i++ {
		b = append(b, 'e')
	}
	return b
}

func sliceReader(b []byte) *byteReaderCloser { return &byteReaderCloser{b: b} }

type byteReaderCloser struct {
	b   []byte
	pos int
}

func (r *byteReaderCloser) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func TestStructTags(t *testing.T) {
	type inner struct {
		Name string `bencode:"name"`
		Len  int64  `bencode:"length"`
		skip string
	}
	in := inner{Name: "x.txt", Len: 10}
	enc, err := Marshal(in)
	require.NoError(t, err)

	var out inner
	require.NoError(t, Unmarshal(enc, &out))
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Len, out.Len)
}

func TestRawMessagePassthrough(t *testing.T) {
	orig := []byte("d4:name3:fooe")
	var raw RawMessage
	require.NoError(t, Unmarshal(orig, &raw))
	assert.Equal(t, orig, []byte(raw))

	enc, err := Marshal(raw)
	require.NoError(t, err)
	assert.Equal(t, orig, enc)
}
