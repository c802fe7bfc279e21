package main

import "github.com/lecrunch/lecrunch/cmd"

func main() {
	cmd.Execute()
}
