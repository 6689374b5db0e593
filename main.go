package main

import "github.com/deskwire/deskwire/cmd"

func main() {
	cmd.Execute()
}
