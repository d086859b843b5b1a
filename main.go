package main

import "github.com/openelevo/elevo/cmd"

func main() {
	cmd.Execute()
}
