package main

import "github.com/CurlyFG/SweetPeepMessenger/cmd"

func main() {
	cmd.Execute()
}
