package main

import "github.com/krau/konacaption/cmd"

func main() {
	cmd.Execute()
}
