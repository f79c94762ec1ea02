package main

import (
	"log"

	"formicarium/services/keeperd"
)

func main() {
	if err := keeperd.Main(); err != nil {
		log.Fatalf("keeperd: %v", err)
	}
}
