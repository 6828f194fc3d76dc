// Command kmsctl inspects DRM devices and drives their outputs with the
// kms pipeline engine.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "kmsctl:", err)
		os.Exit(1)
	}
}
