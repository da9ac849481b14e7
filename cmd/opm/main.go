// opm is the process manager CLI.
package main

import (
	"os"

	"github.com/opm-sh/opm/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
