package main

import "github.com/DragonSecurity/conduit/cmd"

func main() {
	cmd.Execute()
}
