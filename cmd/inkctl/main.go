package main

import (
	"log"

	"github.com/austindbirch/inkwell/cmd/inkctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
