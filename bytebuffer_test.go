package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestByteBuffer_RoundTrip(t *testing.T) {
	b := NewByteBuffer()
	const payload = "the quick brown fox jumps over the lazy dog"

	b.AppendString(payload)
	require.Equal(t, len(payload), b.ReadableBytes())

	got := b.RetrieveAsString(len(payload))
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestByteBuffer_PrependReservesCheapPrefix(t *testing.T) {
	b := NewByteBuffer()
	b.AppendString("body")
	b.Prepend([]byte{0, 0, 0, 4})

	assert.Equal(t, "\x00\x00\x00\x04body", b.RetrieveAllAsString())
}

func TestByteBuffer_EnsureWritable_CompactionDoesNotGrow(t *testing.T) {
	b := NewByteBufferSize(16)
	capBefore := len(b.buf)

	b.AppendString("0123456789") // 10 of 16 writable used
	b.Retrieve(8)                // only 2 readable bytes remain, lots of prependable space freed

	b.EnsureWritable(12) // fits once the 8 consumed bytes are compacted away
	assert.Equal(t, capBefore, len(b.buf), "compaction alone should satisfy this request without growing")
	assert.Equal(t, "89", string(b.ReadableSlice()))
}

func TestByteBuffer_EnsureWritable_GrowsExactlyOnceWhenTooLarge(t *testing.T) {
	b := NewByteBufferSize(16)
	b.AppendString("0123456789")

	capBefore := len(b.buf)
	b.EnsureWritable(1024) // cannot be satisfied by compaction alone
	assert.Greater(t, len(b.buf), capBefore)
	assert.Equal(t, "0123456789", string(b.ReadableSlice()))
}

func TestByteBuffer_FindCRLF_AcrossReadBoundary(t *testing.T) {
	b := NewByteBuffer()
	b.AppendString("GET / HTTP/1.1\r")
	assert.Equal(t, -1, b.FindCRLF(), "CRLF not yet complete")

	b.AppendString("\nHost: x\r\n")
	idx := b.FindCRLF()
	require.NotEqual(t, -1, idx)
	assert.Equal(t, "GET / HTTP/1.1", string(b.ReadableSlice()[:idx]))
}

func TestByteBuffer_Find_RespectsOffset(t *testing.T) {
	b := NewByteBuffer()
	b.AppendString("aXbXc")

	assert.Equal(t, 1, b.Find([]byte("X"), 0))
	assert.Equal(t, 3, b.Find([]byte("X"), 2))
	assert.Equal(t, -1, b.Find([]byte("X"), 4))
}

func TestByteBuffer_ReadFd_WouldBlockIsNotEOF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b := NewByteBuffer()
	n, err := b.ReadFd(fds[0])
	require.NoError(t, err)
	assert.Equal(t, -1, n, "a would-block read must be distinguishable from a zero-byte EOF")
	assert.Equal(t, 0, b.ReadableBytes())

	const payload = "hello"
	_, err = unix.Write(fds[1], []byte(payload))
	require.NoError(t, err)

	n, err = b.ReadFd(fds[0])
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, b.RetrieveAllAsString())

	require.NoError(t, unix.Shutdown(fds[1], unix.SHUT_WR))
	n, err = b.ReadFd(fds[0])
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a genuine EOF must still read back as zero bytes")
}
