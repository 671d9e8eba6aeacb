package main

import "github.com/jmehdipour/teatrace/cmd"

func main() {
	cmd.Execute()
}
