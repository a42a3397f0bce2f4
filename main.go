package main

import "github.com/foursages/sagebus/cmd"

func main() {
	cmd.Execute()
}
