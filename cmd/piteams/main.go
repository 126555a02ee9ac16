package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/baiirun/piteams/cmd/piteams/cmd"
)

func main() {
	_ = godotenv.Load() // missing .env is fine
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
