package kfmt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() { outputSink = nil }()

	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t", true) }, "true"},
		{func() { printfn("%41t", false) }, "false"},
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTE SLICE")) }, "BYTE SLICE arg"},
		{func() { printfn("'%4s' arg with padding", "ABC") }, "' ABC' arg with padding"},
		{func() { printfn("'%4s' arg longer than padding", "ABCDE") }, "'ABCDE' arg longer than padding"},
		{func() { printfn("uint arg: %d", uint8(10)) }, "uint arg: 10"},
		{func() { printfn("uint arg: %o", uint16(0777)) }, "uint arg: 777"},
		{func() { printfn("uint arg: 0x%x", uint32(0xbadf00d)) }, "uint arg: 0xbadf00d"},
		{func() { printfn("uint arg with padding: '%10d'", uint64(123)) }, "uint arg with padding: '       123'"},
		{func() { printfn("int arg: %d", int8(-10)) }, "int arg: -10"},
		{func() { printfn("int arg: %x", int32(-0xbadf00d)) }, "int arg: -badf00d"},
		{func() { printfn("int arg with padding: '%10d'", int64(-12345678)) }, "int arg with padding: ' -12345678'"},
		{
			func() { printfn("padding longer than maxBufSize '%128x'", int(-0xbadf00d)) },
			fmt.Sprintf("padding longer than maxBufSize '-%sbadf00d'", strings.Repeat("0", maxBufSize-8)),
		},
		{func() { printfn("%%%s%d%t", "foo", 123, true) }, `%foo123true`},
		{func() { printfn("more args", "foo", "bar") }, `more args%!(EXTRA)%!(EXTRA)`},
		{func() { printfn("missing args %s") }, `missing args (MISSING)`},
		{func() { printfn("bad verb %Q") }, `bad verb %!(NOVERB)`},
		{func() { printfn("not bool %t", "foo") }, `not bool %!(WRONGTYPE)`},
		{func() { printfn("not int %d", "foo") }, `not int %!(WRONGTYPE)`},
		{func() { printfn("not string %s", 123) }, `not string %!(WRONGTYPE)`},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get\n%q\ngot:\n%q", specIndex, spec.expOutput, got)
		}
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	exp := "hello world"
	Fprintf(&buf, exp)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestPrintfBuffersUntilSinkAttached(t *testing.T) {
	defer func() { outputSink = nil }()

	earlyPrintBuffer = ringBuffer{}

	Printf("buffered: %d", 42)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != "buffered: 42" {
		t.Fatalf("expected early output to be flushed into the new sink; got %q", got)
	}
}

func TestOutputSinkFallsBackToRingBuffer(t *testing.T) {
	defer func() { outputSink = nil }()

	if w := OutputSink(); w != &earlyPrintBuffer {
		t.Fatalf("expected OutputSink to return the early ring buffer when no sink is set")
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if w := OutputSink(); w != &buf {
		t.Fatalf("expected OutputSink to return the configured sink")
	}
}
