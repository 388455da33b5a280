package main

import "github.com/duskpine/vombat/cmd"

func main() {
	cmd.Execute()
}
