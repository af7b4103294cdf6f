// Command fullerene is the kernel image bellows loads and jumps into after
// exiting boot services. Like the teacher's own boot.go, main here is only a
// trampoline for the real entry point: it exists so the Go compiler has a
// reachable, exported main it cannot prove is dead code, keeping boot.Boot
// (and everything it calls) linked in.
package main

import (
	"fullerene/handoff"
	"fullerene/kernel/boot"
)

// main is invoked by the pre-Go-runtime bootstrap once it has called
// handoff.SetRecordAddr and set up a stack and minimal g0 Go code can run
// on. It is not expected to return; if it does, boot.Boot already panicked
// rather than returning to here.
func main() {
	boot.Boot(handoff.Record())
}
