// The main package for the webmap-harvester executable.
package main

import (
	"github.com/JakeFAU/webmap-harvester/cmd"
)

func main() {
	cmd.Execute()
}
