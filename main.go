package main

import "p2pcall/cmd"

func main() {
	cmd.Execute()
}
