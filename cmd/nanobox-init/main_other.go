//go:build !linux

package main

import (
	"fmt"
	"os"

	"github.com/michaelbrown/nanobox/internal/guest/process"
)

func main() {
	_, _ = fmt.Fprintln(os.Stderr, "nanobox-init: only supported on linux")
	os.Exit(process.HelperSetupFailed)
}
