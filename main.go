package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

const _projectName = "rag-assistant"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
