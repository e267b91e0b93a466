package main

import "github.com/Laisky/docingest/cmd"

func main() {
	cmd.Execute()
}
