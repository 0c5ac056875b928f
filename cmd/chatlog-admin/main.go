package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}
	if err := newRootCmd(openConfiguredStore).Execute(); err != nil {
		os.Exit(1)
	}
}
