package framing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strs(frames [][]byte) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, string(f))
	}
	return out
}

func TestDelimiterReassembly(t *testing.T) {
	c := NewDelimiterCodec()

	assert.Nil(t, c.Feed("c1", []byte("AB")))
	assert.Nil(t, c.Feed("c1", []byte("C%DE")))
	assert.Equal(t, 6, c.Pending("c1"))

	// The buffer is only split once it ends with the terminator, so the
	// first terminator stays a frame boundary: ABC and DEF, not ABCDE and F.
	frames := c.Feed("c1", []byte("F%"))
	assert.Equal(t, []string{"ABC", "DEF"}, strs(frames))
	assert.Zero(t, c.Pending("c1"))
}

func TestDelimiterSingleFrameAcrossChunks(t *testing.T) {
	c := NewDelimiterCodec()

	assert.Nil(t, c.Feed("c1", []byte(`{"id":1,`)))
	assert.Nil(t, c.Feed("c1", []byte(`"sender":"x"}`)))
	frames := c.Feed("c1", []byte("%"))
	assert.Equal(t, []string{`{"id":1,"sender":"x"}`}, strs(frames))
}

func TestDelimiterDropsEmptyFrames(t *testing.T) {
	c := NewDelimiterCodec()
	assert.Equal(t, []string{"A", "B"}, strs(c.Feed("c1", []byte("%A%%B%"))))
	assert.Empty(t, c.Feed("c1", []byte("%")))
}

func TestDelimiterConnectionsAreIndependent(t *testing.T) {
	c := NewDelimiterCodec()

	assert.Nil(t, c.Feed("c1", []byte("one")))
	assert.Equal(t, []string{"two"}, strs(c.Feed("c2", []byte("two%"))))
	assert.Equal(t, []string{"one!"}, strs(c.Feed("c1", []byte("!%"))))
}

func TestDelimiterResetDropsStaleResidual(t *testing.T) {
	c := NewDelimiterCodec()

	assert.Nil(t, c.Feed("c1", []byte("stale-partial")))
	c.Reset("c1")
	assert.Equal(t, []string{"fresh"}, strs(c.Feed("c1", []byte("fresh%"))))

	c.Feed("c1", []byte("x"))
	c.Feed("c2", []byte("y"))
	c.ResetAll()
	assert.Zero(t, c.Pending("c1"))
	assert.Zero(t, c.Pending("c2"))
}

func TestDelimiterEncode(t *testing.T) {
	c := NewDelimiterCodec()
	assert.Equal(t, "abc%", string(c.Encode([]byte("abc"))))
}

func TestBoundaryAllSplitPoints(t *testing.T) {
	input := `{"a":1}{"b":"}"}`

	for i := 0; i <= len(input); i++ {
		for j := i; j <= len(input); j++ {
			c := NewBoundaryCodec()
			var got []string
			got = append(got, strs(c.Feed([]byte(input[:i])))...)
			got = append(got, strs(c.Feed([]byte(input[i:j])))...)
			got = append(got, strs(c.Feed([]byte(input[j:])))...)

			require.Equal(t, []string{`{"a":1}`, `{"b":"}"}`}, got, "split at %d,%d", i, j)
			require.Zero(t, c.Buffered(), "split at %d,%d", i, j)
		}
	}
}

func TestBoundaryEscapedQuotes(t *testing.T) {
	c := NewBoundaryCodec()
	frames := c.Feed([]byte(`{"s":"a\"}b\\"}{"t":[1,{"u":"]"}]}`))
	assert.Equal(t, []string{`{"s":"a\"}b\\"}`, `{"t":[1,{"u":"]"}]}`}, strs(frames))
}

func TestBoundaryRetainsPartialFrame(t *testing.T) {
	c := NewBoundaryCodec()

	frames := c.Feed([]byte(`{"a":1} {"b":`))
	assert.Equal(t, []string{`{"a":1}`}, strs(frames))
	assert.Equal(t, len(`{"b":`), c.Buffered())

	frames = c.Feed([]byte(`2}`))
	assert.Equal(t, []string{`{"b":2}`}, strs(frames))
}

func TestBoundaryGarbageDoesNotPoisonStream(t *testing.T) {
	c := NewBoundaryCodec()

	frames := c.Feed([]byte(`}junk{"a":1}`))
	assert.Equal(t, []string{"}", "junk", `{"a":1}`}, strs(frames))

	// An incomplete-but-balanced record is still a frame; decoding rejects it.
	frames = c.Feed([]byte(`{"a":}{"b":2}`))
	assert.Equal(t, []string{`{"a":}`, `{"b":2}`}, strs(frames))
}

func TestBoundaryReset(t *testing.T) {
	c := NewBoundaryCodec()
	c.Feed([]byte(`{"a":"unterminated`))
	c.Reset()
	assert.Zero(t, c.Buffered())
	assert.Equal(t, []string{`{"b":1}`}, strs(c.Feed([]byte(`{"b":1}`))))
}
