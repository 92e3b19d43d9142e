package main

import "github.com/metal-toolbox/bmpipe/cmd"

func main() {
	cmd.Execute()
}
