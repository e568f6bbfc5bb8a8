package main

import "github.com/pillmate/devicecfg/cmd"

func main() {
	cmd.Execute()
}
