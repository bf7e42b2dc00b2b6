// Command dset inspects and exports measurement runs stored by the
// dset write-back cache.
package main

import (
	"os"

	"github.com/qmeasure/dset/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdout, os.Stderr, os.Args[1:]))
}
