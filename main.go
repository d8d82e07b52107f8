package main

import "github.com/soundcord/soundcord/cmd"

func main() {
	cmd.Execute()
}
