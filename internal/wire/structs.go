package wire

import "unsafe"

// TransactionData is the wire layout carried by BC_TRANSACTION, BC_REPLY,
// BR_TRANSACTION and BR_REPLY frames (spec §6 "transaction_data").
//
// Target holds either a handle (client side, h != 0 means a Reference
// descriptor, h == 0 means the context manager) or a raw node pointer
// analogue (server side, delivered to the owner). Which interpretation
// applies is determined by the direction of travel, not by a field here,
// matching the real union.
type TransactionData struct {
	Target      uint32 // handle (as seen by the sender) or owner pointer (as seen by the receiver)
	Cookie      uint64
	Code        uint32
	Flags       uint32
	SenderPID   int32
	SenderUID   uint32
	DataSize    uint32
	OffsetsSize uint32
	Data        []byte   // payload bytes, copied once into the target Buffer (§4.4)
	Offsets     []uint32 // byte offsets into Data where a FlatObject begins
}

// FlatObject is a single inline object reference inside a transaction's
// payload (spec §6 "flat_object").
type FlatObject struct {
	Type   ObjectType
	Flags  uint32
	Handle uint64 // BinderPtr when Type is Binder/WeakBinder, Handle/fd when Handle/WeakHandle/FD
	Cookie uint64
}

// Priority extracts the inherited-priority bits from an object's flags.
func (f FlatObject) Priority() uint8 {
	return uint8(f.Flags & ObjectPriorityMask)
}

// AcceptsFDs reports whether the source node advertised FD acceptance.
func (f FlatObject) AcceptsFDs() bool {
	return f.Flags&ObjectAcceptsFDs != 0
}

// flatObjectWireSize is the serialized size of one FlatObject, used to
// validate that an offset plus one object never runs past the data region.
const flatObjectWireSize = 24

var _ = unsafe.Sizeof(FlatObject{}) // documents that the in-memory and wire sizes need not match; wire size is fixed above

// RefDone carries the payload of BC_INCREFS_DONE / BC_ACQUIRE_DONE: the
// owner's (pointer, cookie) pair identifying which Node it is acknowledging.
type RefDone struct {
	Ptr    uint64
	Cookie uint64
}

// DeathNotice carries the payload of BC_REQUEST_DEATH_NOTIFICATION and
// BC_CLEAR_DEATH_NOTIFICATION: a descriptor plus the subscriber's opaque
// cookie.
type DeathNotice struct {
	Descriptor uint32
	Cookie     uint64
}

// RefReturn carries the payload of BR_INCREFS / BR_ACQUIRE / BR_RELEASE /
// BR_DECREFS: the owner's service pointer and cookie (the owner looks these
// up in its own bookkeeping; both may be zero for the context manager).
type RefReturn struct {
	Ptr    uint64
	Cookie uint64
}
