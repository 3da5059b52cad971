package main

import "github.com/leonardo-assistant/leonardo/cmd"

func main() {
	cmd.Execute()
}
