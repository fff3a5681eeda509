package main

import (
	"log"

	"github.com/demarches-simplifiees/git-sign-verifier/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		log.Fatalf("git-sign-verifier: %v", err)
	}
}
