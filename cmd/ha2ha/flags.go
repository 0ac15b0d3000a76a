package main

import (
	"flag"
	"io"
)

// newFlagSet builds a flag.FlagSet that reports parse errors to the
// caller instead of exiting the process, so Run stays testable.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
