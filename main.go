// The main package for the filing-archiver executable.
package main

import (
	"os"

	"github.com/JakeFAU/filing-archiver/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
