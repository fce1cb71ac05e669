package main

import "github.com/andresmejia3/detector/cmd"

func main() {
	cmd.Execute()
}
