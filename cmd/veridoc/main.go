package main

import "github.com/veridoc/veridoc/cmd/veridoc/cmd"

func main() {
	cmd.Execute()
}
