package main

import "github.com/royalbot/royal-dispatch/cmd"

func main() {
	cmd.Execute()
}
