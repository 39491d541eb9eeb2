package reactor

import (
	"bytes"

	"golang.org/x/sys/unix"
)

const (
	// cheapPrependSize is the reserved header region at the front of every
	// buffer, sized so a protocol length-prefix can be stamped in without a
	// copy.
	cheapPrependSize = 8
	// initialBufferSize is the readable+writable capacity a new ByteBuffer
	// starts with, beyond the prepend region.
	initialBufferSize = 1024
)

// ByteBuffer is a growable byte buffer with a cheap-prepend region and
// reader/writer indices: readerIndex <= writerIndex <= len(buf). Unlike a
// bytes.Buffer, consumed bytes are not discarded on read; ensureWritable
// decides between compacting them out of the way and growing, and callers
// that want prepend space (a length header written after the payload is
// known) get it without a copy.
type ByteBuffer struct {
	buf    []byte
	reader int
	writer int
}

// NewByteBuffer returns an empty buffer with the default initial capacity.
func NewByteBuffer() *ByteBuffer {
	return NewByteBufferSize(initialBufferSize)
}

// NewByteBufferSize returns an empty buffer with at least size bytes of
// writable capacity beyond the prepend region.
func NewByteBufferSize(size int) *ByteBuffer {
	b := &ByteBuffer{
		buf: make([]byte, cheapPrependSize+size),
	}
	b.reader = cheapPrependSize
	b.writer = cheapPrependSize
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *ByteBuffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes that can be appended before
// ensureWritable would need to compact or grow.
func (b *ByteBuffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes available in the cheap
// prepend region ahead of the readable data.
func (b *ByteBuffer) PrependableBytes() int { return b.reader }

// Peek returns the readable region without consuming it. The returned slice
// aliases the buffer's storage and is invalidated by any mutating call.
func (b *ByteBuffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// ReadableSlice is an alias for Peek, naming the read-only view explicitly.
func (b *ByteBuffer) ReadableSlice() []byte { return b.Peek() }

// Retrieve advances the reader index by n, discarding those bytes. n beyond
// ReadableBytes is clamped.
func (b *ByteBuffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.reader += n
}

// RetrieveAll discards all readable bytes and resets both indices to the
// start of the prepend region, maximizing contiguous writable space.
func (b *ByteBuffer) RetrieveAll() {
	b.reader = cheapPrependSize
	b.writer = cheapPrependSize
}

// RetrieveAsString consumes and returns the first n readable bytes as a
// string. n beyond ReadableBytes is clamped to ReadableBytes.
func (b *ByteBuffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.reader : b.reader+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes and returns every readable byte.
func (b *ByteBuffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// Append copies data onto the end of the readable region, growing or
// compacting first if necessary.
func (b *ByteBuffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writer:], data)
	b.HasWritten(len(data))
}

// AppendString is a convenience wrapper over Append.
func (b *ByteBuffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Prepend writes data immediately before the current readable region,
// moving the reader index back. The caller must ensure PrependableBytes is
// at least len(data); this is guaranteed immediately after construction or
// RetrieveAll, and is the intended use (stamping a length header once the
// payload size is known).
func (b *ByteBuffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		fatalf("ByteBuffer.Prepend: %d bytes requested, only %d prependable", len(data), b.PrependableBytes())
	}
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// BeginWrite returns the writable tail of the buffer after ensuring at
// least n bytes are available, for callers that want to write directly
// into the buffer (e.g. a syscall) rather than through Append.
func (b *ByteBuffer) BeginWrite(n int) []byte {
	b.EnsureWritable(n)
	return b.buf[b.writer:]
}

// HasWritten advances the writer index by n after a direct write into the
// slice returned by BeginWrite.
func (b *ByteBuffer) HasWritten(n int) {
	b.writer += n
}

// EnsureWritable guarantees at least n bytes of writable space, compacting
// the readable region back to the prepend offset if that alone suffices,
// or otherwise reallocating the backing array, doubling its capacity until
// it holds the prepend region, the readable bytes and n more. Growth is
// amortized O(1) across repeated appends; compaction is O(readable).
func (b *ByteBuffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()+b.WritableBytes() >= cheapPrependSize+n {
		b.compact()
		return
	}
	b.grow(n)
}

func (b *ByteBuffer) compact() {
	readable := b.ReadableBytes()
	copy(b.buf[cheapPrependSize:], b.buf[b.reader:b.writer])
	b.reader = cheapPrependSize
	b.writer = cheapPrependSize + readable
}

func (b *ByteBuffer) grow(n int) {
	readable := b.ReadableBytes()
	need := cheapPrependSize + readable + n
	cap := len(b.buf)
	if cap == 0 {
		cap = initialBufferSize
	}
	for cap < need {
		cap *= 2
	}
	buf := make([]byte, cap)
	copy(buf[cheapPrependSize:], b.buf[b.reader:b.writer])
	b.buf = buf
	b.reader = cheapPrependSize
	b.writer = cheapPrependSize + readable
}

// Shrink reallocates the backing storage to hold exactly the current
// readable bytes plus reserve bytes of writable space, releasing any excess
// capacity. Unlike EnsureWritable, this is never called implicitly.
func (b *ByteBuffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	buf := make([]byte, cheapPrependSize+readable+reserve)
	copy(buf[cheapPrependSize:], b.buf[b.reader:b.writer])
	b.buf = buf
	b.reader = cheapPrependSize
	b.writer = cheapPrependSize + readable
}

// readFdScratchSize is the size of the stack-resident scratch buffer used
// by ReadFd's second iovec, letting one read syscall consume a burst
// larger than the buffer's current writable space without pre-growing it.
const readFdScratchSize = 65536

// ReadFd performs one scatter read from fd into the buffer's writable tail
// and, if that fills, a stack-resident scratch region, appending any
// scratch overflow with a single subsequent copy. It returns the number of
// bytes read, -1 if the read would have blocked (EAGAIN/EWOULDBLOCK), or 0
// for a genuine EOF; the error is non-nil only for a real failure, never for
// would-block.
func (b *ByteBuffer) ReadFd(fd int) (int, error) {
	var scratch [readFdScratchSize]byte

	writable := b.buf[b.writer:]
	iovs := [][]byte{writable, scratch[:]}
	n, err := readv(fd, iovs)
	if n <= 0 {
		return n, err
	}

	if n <= len(writable) {
		b.writer += n
		return n, err
	}

	b.writer += len(writable)
	extra := n - len(writable)
	b.EnsureWritable(extra)
	copy(b.buf[b.writer:], scratch[:extra])
	b.writer += extra
	return n, err
}

// readv wraps unix.Readv for the two-iovec scatter read ReadFd needs,
// reporting would-block as (-1, nil) so it is never confused with the
// (0, nil) of a genuine zero-byte EOF.
func readv(fd int, iovs [][]byte) (int, error) {
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil
		}
		return n, err
	}
	return n, nil
}

// FindCRLF returns the index, relative to the start of the readable region,
// of the first "\r\n" occurrence, or -1 if not found.
func (b *ByteBuffer) FindCRLF() int {
	return b.findDelimiter([]byte("\r\n"))
}

// FindEOL returns the index, relative to the start of the readable region,
// of the first '\n', or -1 if not found.
func (b *ByteBuffer) FindEOL() int {
	idx := bytes.IndexByte(b.Peek(), '\n')
	return idx
}

// findDelimiter returns the index, relative to the start of the readable
// region, of the first occurrence of delim, or -1 if not found. Called
// after every append, so it always searches the full readable region,
// which spans any boundary between a previous and the newly appended read.
func (b *ByteBuffer) findDelimiter(delim []byte) int {
	return bytes.Index(b.Peek(), delim)
}

// Find returns the index, relative to the start of the readable region, of
// the first occurrence of needle at or after offset, or -1 if not found.
func (b *ByteBuffer) Find(needle []byte, offset int) int {
	if offset < 0 || offset > b.ReadableBytes() {
		return -1
	}
	idx := bytes.Index(b.Peek()[offset:], needle)
	if idx < 0 {
		return -1
	}
	return idx + offset
}
