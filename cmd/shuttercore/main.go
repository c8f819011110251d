// Command shuttercore runs the preprocessing and cache coordination core.
package main

import (
	"github.com/lumenvale/shuttercore/cmd"
)

func main() {
	cmd.Execute()
}
