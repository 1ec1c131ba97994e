// Command quorumd runs a service node's blink and pulse coordinators:
// instant-finality quorum signature collection and commit-reveal block
// production, wired onto a service-node registry, mempool, and transport
// boundary (see snregistry, mempool, transport).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/quorumd/internal/xlog"
)

var gitCommit = ""
var gitDate = ""

var app *cli.App

func init() {
	app = &cli.App{
		Name:                 "quorumd",
		Usage:                "blink and pulse quorum coordinator",
		Version:              versionString(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			keyFileFlag,
			hfVersionFlag,
			blinkHFFlag,
			retentionFlag,
			fanoutFlag,
			logLevelFlag,
		},
		Action: runAction,
	}
}

func versionString() string {
	if gitCommit == "" {
		return "dev"
	}
	if gitDate == "" {
		return gitCommit
	}
	return fmt.Sprintf("%s-%s", gitCommit, gitDate)
}

func runAction(c *cli.Context) error {
	if err := xlog.SetLevel(c.String(logLevelFlag.Name)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}

	kp, err := loadOrGenerateKey(c.String(keyFileFlag.Name))
	if err != nil {
		return err
	}

	n, err := newNode(kp,
		c.Uint64(hfVersionFlag.Name),
		c.Uint64(blinkHFFlag.Name),
		c.Uint64(retentionFlag.Name),
		c.Int(fanoutFlag.Name),
	)
	if err != nil {
		return err
	}
	defer n.stop()

	xlog.Info("quorumd started", "self", kp.Public, "hf_version", c.Uint64(hfVersionFlag.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	xlog.Info("quorumd shutting down")
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
