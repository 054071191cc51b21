package main

import "mediaq/cmd"

func main() {
	cmd.Run()
}
