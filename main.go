package main

import "github.com/nextlevelbuilder/clawdeck/cmd"

func main() {
	cmd.Execute()
}
