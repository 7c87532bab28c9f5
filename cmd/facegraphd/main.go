package main

import (
	"log"

	"github.com/ramin-karimi/facegraph/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("facegraph: %v", err)
	}
}
