package main

import "github.com/Mucyo-Ivan/smartend/cmd"

func main() {
	cmd.Execute()
}
