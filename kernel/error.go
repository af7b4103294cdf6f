// Package kernel contains the types and primitives shared by every layer of
// the kernel: the error taxonomy and the memory helpers used before the Go
// allocator is available.
package kernel

// ErrorKind identifies the single kernel-wide error taxonomy. Each kind has a
// stable numeric code that is negated and returned directly from syscalls.
type ErrorKind int

const (
	// ErrNone is the zero value and never appears in a constructed Error.
	ErrNone ErrorKind = iota
	ErrInvalidSyscall
	ErrBadFileDescriptor
	ErrPermissionDenied
	ErrFileNotFound
	ErrNoSuchProcess
	ErrInvalidArgument
	ErrOutOfMemory
	ErrDiskFull
	ErrMappingFailed
	ErrUnmappingFailed
	ErrFrameAllocationFailed
	ErrInvalidFormat
	ErrLoadFailed
	ErrDeviceNotFound
	ErrNotSupported
	ErrInternalError
)

// Code returns the stable numeric code for this error kind. Syscalls return
// -Code() to signal failure.
func (k ErrorKind) Code() int64 {
	return int64(k)
}

// String returns a short human readable label, used by kfmt when logging.
func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidSyscall:
		return "invalid syscall"
	case ErrBadFileDescriptor:
		return "bad file descriptor"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrFileNotFound:
		return "file not found"
	case ErrNoSuchProcess:
		return "no such process"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrDiskFull:
		return "disk full"
	case ErrMappingFailed:
		return "mapping failed"
	case ErrUnmappingFailed:
		return "unmapping failed"
	case ErrFrameAllocationFailed:
		return "frame allocation failed"
	case ErrInvalidFormat:
		return "invalid format"
	case ErrLoadFailed:
		return "load failed"
	case ErrDeviceNotFound:
		return "device not found"
	case ErrNotSupported:
		return "not supported"
	case ErrInternalError:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to Error; this requirement stems from the fact
// that the Go allocator is not available during early boot so we cannot rely
// on errors.New or fmt.Errorf to build one on demand.
type Error struct {
	// Module is the package that raised the error (e.g. "vmm", "pmm").
	Module string

	// Message is a short, human readable description.
	Message string

	// Kind classifies the error for callers that need to react
	// programmatically (syscall return codes, fault policy decisions).
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// SyscallReturn returns the negated numeric code that a syscall handler
// should hand back to user space for this error.
func (e *Error) SyscallReturn() int64 {
	return -e.Kind.Code()
}
