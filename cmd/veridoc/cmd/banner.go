package cmd

import (
	"fmt"
)

const banner = `
 __      __       _     _
 \ \    / /      (_)   | |
  \ \  / /__ _ __ _  __| | ___   ___
   \ \/ / _ \ '__| |/ _` + "`" + ` |/ _ \ / __|
    \  /  __/ |  | | (_| | (_) | (__
     \/ \___|_|  |_|\__,_|\___/ \___|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Authority & Document Signing - Version %s\x1b[0m\n\n", Version)
}
