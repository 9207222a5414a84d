package main

import "github.com/kebairia/posebackup/cmd"

func main() {
	cmd.Execute()
}
