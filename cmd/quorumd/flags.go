package main

import "github.com/urfave/cli/v2"

var (
	keyFileFlag = &cli.StringFlag{
		Name:  "keyfile",
		Usage: "path to a 32-byte ed25519 seed file; a fresh key is generated and printed if omitted",
	}
	hfVersionFlag = &cli.Uint64Flag{
		Name:  "hf-version",
		Usage: "this node's current hard-fork version",
		Value: 18,
	}
	blinkHFFlag = &cli.Uint64Flag{
		Name:  "blink-enabled-hf",
		Usage: "hard-fork version at which blink is enabled",
		Value: 16,
	}
	retentionFlag = &cli.Uint64Flag{
		Name:  "retention-blocks",
		Usage: "K: blink entries older than tip-K are pruned",
		Value: 100,
	}
	fanoutFlag = &cli.IntFlag{
		Name:  "fanout",
		Usage: "N: number of quorum peers an originating node fans a submission out to",
		Value: 0, // 0 keeps each component's own default (relay.DefaultFanout)
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn, or error",
		Value: "info",
	}
)
