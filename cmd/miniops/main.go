package main

import "mini-ops/cmd/miniops/cmd"

func main() {
	cmd.Execute()
}
