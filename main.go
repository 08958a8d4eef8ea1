package main

import (
	"log"

	"github.com/kmarchand/hemonet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
