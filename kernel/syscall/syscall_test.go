package syscall

import "testing"

func TestValidateUserRange(t *testing.T) {
	specs := []struct {
		name    string
		ptr     uintptr
		count   uintptr
		wantErr bool
	}{
		{"within low canonical half", 0x1000, 0x100, false},
		{"exactly at the boundary", lowCanonicalLimit - 0x100, 0x100, false},
		{"crosses the boundary", lowCanonicalLimit - 0x10, 0x100, true},
		{"overflow", ^uintptr(0) - 0x10, 0x100, true},
		{"zero count at limit", lowCanonicalLimit, 0, false},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			err := ValidateUserRange(spec.ptr, spec.count)
			if (err != nil) != spec.wantErr {
				t.Fatalf("expected error=%v; got %v", spec.wantErr, err)
			}
		})
	}
}

func TestDispatchUnknownSyscallReturnsInvalidSyscall(t *testing.T) {
	got := Dispatch(9999, 0, 0, 0, 0, 0, 0)
	if got != errInvalidSyscall.SyscallReturn() {
		t.Fatalf("expected %d; got %d", errInvalidSyscall.SyscallReturn(), got)
	}
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	defer func(orig Handler) { table[Yield] = orig }(table[Yield])

	var called bool
	Register(Yield, func(a1, a2, a3, a4, a5, a6 uint64) int64 {
		called = true
		return 0
	})

	if got := Dispatch(uint64(Yield), 0, 0, 0, 0, 0, 0); got != 0 {
		t.Fatalf("expected 0; got %d", got)
	}
	if !called {
		t.Fatal("expected the registered handler to run")
	}
}

func TestWriteRejectsUnsupportedFileDescriptor(t *testing.T) {
	got := sysWrite(42, 0x1000, 4, 0, 0, 0)
	if got != errNotSupported.SyscallReturn() {
		t.Fatalf("expected %d; got %d", errNotSupported.SyscallReturn(), got)
	}
}

func TestWriteRejectsOutOfRangeBuffer(t *testing.T) {
	got := sysWrite(fdStdout, uint64(lowCanonicalLimit), 4, 0, 0, 0)
	if got != errInvalidArgument.SyscallReturn() {
		t.Fatalf("expected %d; got %d", errInvalidArgument.SyscallReturn(), got)
	}
}

func TestCloseAcceptsOnlyStandardDescriptors(t *testing.T) {
	if got := sysClose(fdStdout, 0, 0, 0, 0, 0); got != 0 {
		t.Fatalf("expected 0 closing stdout; got %d", got)
	}
	if got := sysClose(42, 0, 0, 0, 0, 0); got != errNotSupported.SyscallReturn() {
		t.Fatalf("expected NotSupported closing fd 42; got %d", got)
	}
}
