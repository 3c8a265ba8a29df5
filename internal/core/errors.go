package core

import "errors"

var (
	errUnknownProcess        = errors.New("core: unknown process")
	errUnknownDescriptor      = errors.New("core: unknown reference descriptor")
	errUnknownThread          = errors.New("core: unknown thread")
	errDeathAlreadyRequested  = errors.New("core: death notification already requested")
	errDeathMismatch          = errors.New("core: death notification cookie mismatch")
	errNoContextManager       = errors.New("core: no context manager registered")
	errContextManagerTaken    = errors.New("core: context manager slot already occupied")
	errContextManagerUIDMismatch = errors.New("core: caller uid does not match registered context manager uid")
	errOrphanedTarget         = errors.New("core: target node has been orphaned")
	errNoReplyTarget          = errors.New("core: no transaction awaiting reply on this thread's stack")
	errMalformedOffsets       = errors.New("core: malformed or misaligned offsets array")
	errUnknownObjectType      = errors.New("core: unknown flat_object type")
	errFDsNotAccepted         = errors.New("core: target does not accept file descriptors")
	errAllocFailed            = errors.New("core: buffer allocation failed")
	errMmapTooLarge           = errors.New("core: mapping exceeds the 4 MiB limit")
	errBufferNotUserFreeable  = errors.New("core: buffer does not allow user free")
)
