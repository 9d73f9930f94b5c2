package main

import "github.com/curaious/runbox/cmd"

func main() {
	cmd.Execute()
}
