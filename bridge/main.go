package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/bridge/bridgecli"
)

func main() {
	if err := bridgecli.GetApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
