package wire

import (
	"encoding/binary"
	"fmt"
)

// CodecError is returned for malformed or truncated wire data.
type CodecError string

func (e CodecError) Error() string { return string(e) }

const (
	ErrTruncated   CodecError = "wire: truncated frame"
	ErrBadOffsets  CodecError = "wire: offsets array misaligned or out of range"
	ErrBadAlignment CodecError = "wire: value not word-aligned"
)

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// CommandWriter builds a BC_* command stream, one frame per call.
type CommandWriter struct {
	buf []byte
}

// NewCommandWriter returns an empty command-stream builder backed by a
// pooled scratch buffer.
func NewCommandWriter() *CommandWriter {
	return &CommandWriter{buf: getScratch()}
}

// Bytes returns the accumulated command stream.
func (w *CommandWriter) Bytes() []byte { return w.buf }

// Release returns the writer's backing array to the scratch pool; see
// ReturnWriter.Release.
func (w *CommandWriter) Release() {
	putScratch(w.buf)
	w.buf = nil
}

func (w *CommandWriter) putU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *CommandWriter) putU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *CommandWriter) putI32(v int32) { w.putU32(uint32(v)) }

// Transaction appends BC_TRANSACTION or BC_REPLY.
func (w *CommandWriter) Transaction(code Command, t TransactionData) {
	w.putU32(uint32(code))
	w.putU32(t.Target)
	w.putU64(t.Cookie)
	w.putU32(t.Code)
	w.putU32(t.Flags)
	w.putI32(t.SenderPID)
	w.putU32(t.SenderUID)
	w.putU32(uint32(len(t.Data)))
	w.putU32(uint32(len(t.Offsets)) * 4)
	w.buf = append(w.buf, t.Data...)
	for _, off := range t.Offsets {
		w.putU32(off)
	}
}

// Descriptor appends BC_INCREFS / BC_ACQUIRE / BC_RELEASE / BC_DECREFS.
func (w *CommandWriter) Descriptor(code Command, descriptor uint32) {
	w.putU32(uint32(code))
	w.putU32(descriptor)
}

// FreeBuffer appends BC_FREE_BUFFER.
func (w *CommandWriter) FreeBuffer(bufferID uint64) {
	w.putU32(uint32(BC_FREE_BUFFER))
	w.putU64(bufferID)
}

// RefDone appends BC_INCREFS_DONE / BC_ACQUIRE_DONE.
func (w *CommandWriter) RefDone(code Command, rd RefDone) {
	w.putU32(uint32(code))
	w.putU64(rd.Ptr)
	w.putU64(rd.Cookie)
}

// Looper appends BC_REGISTER_LOOPER / BC_ENTER_LOOPER / BC_EXIT_LOOPER.
func (w *CommandWriter) Looper(code Command) {
	w.putU32(uint32(code))
}

// DeathNotice appends BC_REQUEST_DEATH_NOTIFICATION / BC_CLEAR_DEATH_NOTIFICATION.
func (w *CommandWriter) DeathNotice(code Command, d DeathNotice) {
	w.putU32(uint32(code))
	w.putU32(d.Descriptor)
	w.putU64(d.Cookie)
}

// DeadBinderDone appends BC_DEAD_BINDER_DONE.
func (w *CommandWriter) DeadBinderDone(cookie uint64) {
	w.putU32(uint32(BC_DEAD_BINDER_DONE))
	w.putU64(cookie)
}

// CommandReader walks a BC_* command stream frame by frame.
type CommandReader struct {
	data []byte
	pos  int
}

// NewCommandReader wraps a raw command stream for decoding.
func NewCommandReader(data []byte) *CommandReader {
	return &CommandReader{data: data}
}

// Remaining reports whether more frames are available.
func (r *CommandReader) Remaining() bool { return r.pos < len(r.data) }

func (r *CommandReader) getU32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *CommandReader) getU64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// Next consumes and returns the next command code.
func (r *CommandReader) Next() (Command, error) {
	v, err := r.getU32()
	if err != nil {
		return 0, err
	}
	return Command(v), nil
}

// ReadTransaction consumes a transaction_data payload following a
// BC_TRANSACTION or BC_REPLY code.
func (r *CommandReader) ReadTransaction() (TransactionData, error) {
	var t TransactionData
	var err error
	if t.Target, err = r.getU32(); err != nil {
		return t, err
	}
	if t.Cookie, err = r.getU64(); err != nil {
		return t, err
	}
	if t.Code, err = r.getU32(); err != nil {
		return t, err
	}
	if t.Flags, err = r.getU32(); err != nil {
		return t, err
	}
	pid, err := r.getU32()
	if err != nil {
		return t, err
	}
	t.SenderPID = int32(pid)
	if t.SenderUID, err = r.getU32(); err != nil {
		return t, err
	}
	if t.DataSize, err = r.getU32(); err != nil {
		return t, err
	}
	offsetsBytes, err := r.getU32()
	if err != nil {
		return t, err
	}
	t.OffsetsSize = offsetsBytes
	if r.pos+int(t.DataSize) > len(r.data) {
		return t, ErrTruncated
	}
	t.Data = r.data[r.pos : r.pos+int(t.DataSize)]
	r.pos += int(t.DataSize)

	if offsetsBytes%4 != 0 {
		return t, ErrBadAlignment
	}
	n := offsetsBytes / 4
	t.Offsets = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		off, err := r.getU32()
		if err != nil {
			return t, err
		}
		t.Offsets = append(t.Offsets, off)
	}
	return t, nil
}

// ReadDescriptor consumes the payload of BC_INCREFS / BC_ACQUIRE /
// BC_RELEASE / BC_DECREFS.
func (r *CommandReader) ReadDescriptor() (uint32, error) { return r.getU32() }

// ReadFreeBuffer consumes the payload of BC_FREE_BUFFER.
func (r *CommandReader) ReadFreeBuffer() (uint64, error) { return r.getU64() }

// ReadRefDone consumes the payload of BC_INCREFS_DONE / BC_ACQUIRE_DONE.
func (r *CommandReader) ReadRefDone() (RefDone, error) {
	var rd RefDone
	var err error
	if rd.Ptr, err = r.getU64(); err != nil {
		return rd, err
	}
	if rd.Cookie, err = r.getU64(); err != nil {
		return rd, err
	}
	return rd, nil
}

// ReadDeathNotice consumes the payload of BC_REQUEST_DEATH_NOTIFICATION /
// BC_CLEAR_DEATH_NOTIFICATION.
func (r *CommandReader) ReadDeathNotice() (DeathNotice, error) {
	var d DeathNotice
	var err error
	if d.Descriptor, err = r.getU32(); err != nil {
		return d, err
	}
	if d.Cookie, err = r.getU64(); err != nil {
		return d, err
	}
	return d, nil
}

// ReadDeadBinderDone consumes the payload of BC_DEAD_BINDER_DONE.
func (r *CommandReader) ReadDeadBinderDone() (uint64, error) { return r.getU64() }

// ReturnWriter builds a BR_* return stream, one frame per call. Every read
// begins with BR_NOOP per spec §6; callers are expected to call Noop()
// first.
type ReturnWriter struct {
	buf []byte
}

// NewReturnWriter returns an empty return-stream builder backed by a
// pooled scratch buffer.
func NewReturnWriter() *ReturnWriter { return &ReturnWriter{buf: getScratch()} }

// Bytes returns the accumulated return stream.
func (w *ReturnWriter) Bytes() []byte { return w.buf }

// Len reports how many bytes have been written so far.
func (w *ReturnWriter) Len() int { return len(w.buf) }

// Release returns the writer's backing array to the scratch pool. Callers
// that are done with the bytes returned by Bytes may call this to avoid a
// fresh allocation on the next read; skipping it is harmless, just gives
// up the reuse.
func (w *ReturnWriter) Release() {
	putScratch(w.buf)
	w.buf = nil
}

func (w *ReturnWriter) putU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *ReturnWriter) putU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Noop appends BR_NOOP.
func (w *ReturnWriter) Noop() { w.putU32(uint32(BR_NOOP)) }

// Simple appends a code with no payload (BR_TRANSACTION_COMPLETE,
// BR_FAILED_REPLY, BR_DEAD_REPLY, BR_ERROR, BR_SPAWN_LOOPER).
func (w *ReturnWriter) Simple(code Return) { w.putU32(uint32(code)) }

// Transaction appends BR_TRANSACTION or BR_REPLY.
func (w *ReturnWriter) Transaction(code Return, t TransactionData) {
	w.putU32(uint32(code))
	w.putU32(t.Target)
	w.putU64(t.Cookie)
	w.putU32(t.Code)
	w.putU32(t.Flags)
	w.putU32(uint32(t.SenderPID))
	w.putU32(t.SenderUID)
	w.putU32(uint32(len(t.Data)))
	w.putU32(uint32(len(t.Offsets)) * 4)
	w.buf = append(w.buf, t.Data...)
	for _, off := range t.Offsets {
		w.putU32(off)
	}
}

// RefReturn appends BR_INCREFS / BR_ACQUIRE / BR_RELEASE / BR_DECREFS.
func (w *ReturnWriter) RefReturn(code Return, rr RefReturn) {
	w.putU32(uint32(code))
	w.putU64(rr.Ptr)
	w.putU64(rr.Cookie)
}

// Cookie appends BR_DEAD_BINDER or BR_CLEAR_DEATH_NOTIFICATION_DONE.
func (w *ReturnWriter) Cookie(code Return, cookie uint64) {
	w.putU32(uint32(code))
	w.putU64(cookie)
}

// ReturnReader walks a BR_* return stream frame by frame.
type ReturnReader struct {
	data []byte
	pos  int
}

// NewReturnReader wraps a raw return stream for decoding.
func NewReturnReader(data []byte) *ReturnReader { return &ReturnReader{data: data} }

// Remaining reports whether more frames are available.
func (r *ReturnReader) Remaining() bool { return r.pos < len(r.data) }

func (r *ReturnReader) getU32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *ReturnReader) getU64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// Next consumes and returns the next return code.
func (r *ReturnReader) Next() (Return, error) {
	v, err := r.getU32()
	if err != nil {
		return 0, err
	}
	return Return(v), nil
}

// ReadTransaction consumes a transaction_data payload following BR_TRANSACTION
// or BR_REPLY.
func (r *ReturnReader) ReadTransaction() (TransactionData, error) {
	var t TransactionData
	var err error
	if t.Target, err = r.getU32(); err != nil {
		return t, err
	}
	if t.Cookie, err = r.getU64(); err != nil {
		return t, err
	}
	if t.Code, err = r.getU32(); err != nil {
		return t, err
	}
	if t.Flags, err = r.getU32(); err != nil {
		return t, err
	}
	pid, err := r.getU32()
	if err != nil {
		return t, err
	}
	t.SenderPID = int32(pid)
	if t.SenderUID, err = r.getU32(); err != nil {
		return t, err
	}
	if t.DataSize, err = r.getU32(); err != nil {
		return t, err
	}
	offsetsBytes, err := r.getU32()
	if err != nil {
		return t, err
	}
	t.OffsetsSize = offsetsBytes
	if r.pos+int(t.DataSize) > len(r.data) {
		return t, ErrTruncated
	}
	t.Data = r.data[r.pos : r.pos+int(t.DataSize)]
	r.pos += int(t.DataSize)
	if offsetsBytes%4 != 0 {
		return t, ErrBadAlignment
	}
	n := offsetsBytes / 4
	t.Offsets = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		off, err := r.getU32()
		if err != nil {
			return t, err
		}
		t.Offsets = append(t.Offsets, off)
	}
	return t, nil
}

// ReadRefReturn consumes the payload of BR_INCREFS / BR_ACQUIRE / BR_RELEASE /
// BR_DECREFS.
func (r *ReturnReader) ReadRefReturn() (RefReturn, error) {
	var rr RefReturn
	var err error
	if rr.Ptr, err = r.getU64(); err != nil {
		return rr, err
	}
	if rr.Cookie, err = r.getU64(); err != nil {
		return rr, err
	}
	return rr, nil
}

// ReadCookie consumes the payload of BR_DEAD_BINDER or
// BR_CLEAR_DEATH_NOTIFICATION_DONE.
func (r *ReturnReader) ReadCookie() (uint64, error) { return r.getU64() }

// ValidateOffsets checks the §4.4 rule: every offset must be word-aligned
// and leave room for a full flat_object before data_size.
func ValidateOffsets(offsets []uint32, dataSize uint32) error {
	for _, off := range offsets {
		if off%wordSize != 0 {
			return fmt.Errorf("%w: offset %d not word-aligned", ErrBadOffsets, off)
		}
		if off+flatObjectWireSize > dataSize {
			return fmt.Errorf("%w: offset %d overruns data_size %d", ErrBadOffsets, off, dataSize)
		}
	}
	return nil
}
