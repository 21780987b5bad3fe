package cmd

import (
	"github.com/urfave/cli"

	"github.com/realDqt/govray/log"
)

var logger = log.New("govray")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	} else if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}
