package main

import (
	"log"

	"bazaar/services/marketd"
)

func main() {
	if err := marketd.Main(); err != nil {
		log.Fatalf("marketd: %v", err)
	}
}
