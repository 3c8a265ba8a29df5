package wire

import "testing"

func TestCommandWriterReaderTransactionRoundTrip(t *testing.T) {
	w := NewCommandWriter()
	in := TransactionData{
		Target:    7,
		Cookie:    0xdeadbeef,
		Code:      42,
		Flags:     TF_ACCEPT_FDS,
		SenderPID: 1234,
		SenderUID: 1000,
		Data:      []byte("hello transaction payload"),
		Offsets:   []uint32{0, 8},
	}
	w.Transaction(BC_TRANSACTION, in)

	r := NewCommandReader(w.Bytes())
	code, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if code != BC_TRANSACTION {
		t.Fatalf("expected BC_TRANSACTION, got %s", code)
	}
	out, err := r.ReadTransaction()
	if err != nil {
		t.Fatalf("ReadTransaction: %v", err)
	}
	if out.Target != in.Target || out.Cookie != in.Cookie || out.Code != in.Code || out.Flags != in.Flags {
		t.Fatalf("scalar fields mismatch: got %+v want %+v", out, in)
	}
	if string(out.Data) != string(in.Data) {
		t.Fatalf("data mismatch: got %q want %q", out.Data, in.Data)
	}
	if len(out.Offsets) != len(in.Offsets) || out.Offsets[0] != in.Offsets[0] || out.Offsets[1] != in.Offsets[1] {
		t.Fatalf("offsets mismatch: got %v want %v", out.Offsets, in.Offsets)
	}
	if r.Remaining() {
		t.Fatal("expected stream to be fully consumed")
	}
}

func TestCommandWriterReaderDescriptorFrames(t *testing.T) {
	w := NewCommandWriter()
	w.Descriptor(BC_INCREFS, 3)
	w.Descriptor(BC_ACQUIRE, 3)
	w.FreeBuffer(0xabc)
	w.RefDone(BC_INCREFS_DONE, RefDone{Ptr: 1, Cookie: 2})
	w.Looper(BC_ENTER_LOOPER)
	w.DeathNotice(BC_REQUEST_DEATH_NOTIFICATION, DeathNotice{Descriptor: 5, Cookie: 99})
	w.DeadBinderDone(77)

	r := NewCommandReader(w.Bytes())

	mustNext := func(want Command) {
		t.Helper()
		c, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if c != want {
			t.Fatalf("expected %s, got %s", want, c)
		}
	}

	mustNext(BC_INCREFS)
	if d, err := r.ReadDescriptor(); err != nil || d != 3 {
		t.Fatalf("ReadDescriptor: got (%d, %v)", d, err)
	}
	mustNext(BC_ACQUIRE)
	if d, err := r.ReadDescriptor(); err != nil || d != 3 {
		t.Fatalf("ReadDescriptor: got (%d, %v)", d, err)
	}
	mustNext(BC_FREE_BUFFER)
	if id, err := r.ReadFreeBuffer(); err != nil || id != 0xabc {
		t.Fatalf("ReadFreeBuffer: got (%d, %v)", id, err)
	}
	mustNext(BC_INCREFS_DONE)
	if rd, err := r.ReadRefDone(); err != nil || rd.Ptr != 1 || rd.Cookie != 2 {
		t.Fatalf("ReadRefDone: got (%+v, %v)", rd, err)
	}
	mustNext(BC_ENTER_LOOPER)
	mustNext(BC_REQUEST_DEATH_NOTIFICATION)
	if d, err := r.ReadDeathNotice(); err != nil || d.Descriptor != 5 || d.Cookie != 99 {
		t.Fatalf("ReadDeathNotice: got (%+v, %v)", d, err)
	}
	mustNext(BC_DEAD_BINDER_DONE)
	if c, err := r.ReadDeadBinderDone(); err != nil || c != 77 {
		t.Fatalf("ReadDeadBinderDone: got (%d, %v)", c, err)
	}
	if r.Remaining() {
		t.Fatal("expected stream to be fully consumed")
	}
}

func TestCommandReaderTruncated(t *testing.T) {
	r := NewCommandReader([]byte{1, 2})
	if _, err := r.Next(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReturnWriterReaderTransactionRoundTrip(t *testing.T) {
	w := NewReturnWriter()
	w.Noop()
	in := TransactionData{
		Target:    0,
		Cookie:    0x1,
		Code:      9,
		Flags:     0,
		SenderPID: 42,
		SenderUID: 0,
		Data:      []byte("reply payload"),
	}
	w.Transaction(BR_REPLY, in)

	r := NewReturnReader(w.Bytes())
	code, err := r.Next()
	if err != nil || code != BR_NOOP {
		t.Fatalf("expected BR_NOOP, got (%s, %v)", code, err)
	}
	code, err = r.Next()
	if err != nil || code != BR_REPLY {
		t.Fatalf("expected BR_REPLY, got (%s, %v)", code, err)
	}
	out, err := r.ReadTransaction()
	if err != nil {
		t.Fatalf("ReadTransaction: %v", err)
	}
	if string(out.Data) != string(in.Data) || out.Code != in.Code {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestReturnWriterReaderRefAndCookieFrames(t *testing.T) {
	w := NewReturnWriter()
	w.RefReturn(BR_INCREFS, RefReturn{Ptr: 10, Cookie: 20})
	w.Simple(BR_SPAWN_LOOPER)
	w.Cookie(BR_DEAD_BINDER, 555)
	w.Cookie(BR_CLEAR_DEATH_NOTIFICATION_DONE, 556)

	r := NewReturnReader(w.Bytes())

	code, _ := r.Next()
	if code != BR_INCREFS {
		t.Fatalf("expected BR_INCREFS, got %s", code)
	}
	rr, err := r.ReadRefReturn()
	if err != nil || rr.Ptr != 10 || rr.Cookie != 20 {
		t.Fatalf("ReadRefReturn: got (%+v, %v)", rr, err)
	}

	code, _ = r.Next()
	if code != BR_SPAWN_LOOPER {
		t.Fatalf("expected BR_SPAWN_LOOPER, got %s", code)
	}

	code, _ = r.Next()
	if code != BR_DEAD_BINDER {
		t.Fatalf("expected BR_DEAD_BINDER, got %s", code)
	}
	c, err := r.ReadCookie()
	if err != nil || c != 555 {
		t.Fatalf("ReadCookie: got (%d, %v)", c, err)
	}

	code, _ = r.Next()
	if code != BR_CLEAR_DEATH_NOTIFICATION_DONE {
		t.Fatalf("expected BR_CLEAR_DEATH_NOTIFICATION_DONE, got %s", code)
	}
	c, err = r.ReadCookie()
	if err != nil || c != 556 {
		t.Fatalf("ReadCookie: got (%d, %v)", c, err)
	}

	if r.Remaining() {
		t.Fatal("expected stream to be fully consumed")
	}
}

func TestValidateOffsets(t *testing.T) {
	if err := ValidateOffsets([]uint32{0, 24}, 48); err != nil {
		t.Fatalf("expected valid offsets, got %v", err)
	}
	if err := ValidateOffsets([]uint32{3}, 48); err == nil {
		t.Fatal("expected misalignment error")
	}
	if err := ValidateOffsets([]uint32{32}, 48); err == nil {
		t.Fatal("expected overrun error")
	}
}
