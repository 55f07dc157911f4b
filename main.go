package main

import "github.com/ngld/testenv/cmd"

func main() {
	cmd.Execute()
}
