package main

import "github.com/mcprepl/mcprepl/cmd/mcprepl/cmd"

func main() {
	cmd.Execute()
}
