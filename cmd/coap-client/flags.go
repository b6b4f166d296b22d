package main

import (
	"time"

	"gopkg.in/urfave/cli.v1"
)

var (
	verboseFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "log protocol activity to stderr",
	}
	ackTimeoutFlag = cli.DurationFlag{
		Name:  "ack-timeout",
		Value: 2 * time.Second,
		Usage: "initial retransmission timeout",
	}
	maxRetransmitFlag = cli.IntFlag{
		Name:  "max-retransmit",
		Value: 4,
		Usage: "retransmissions before giving up, 0 sends once",
	}

	payloadFlag = cli.StringFlag{
		Name:  "payload, p",
		Usage: "request payload",
	}
	etagFlag = cli.StringFlag{
		Name:  "etag",
		Usage: "hex ETag to validate a cached representation",
	}
	nonFlag = cli.BoolFlag{
		Name:  "non",
		Usage: "send a non-confirmable request",
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Value: 5 * time.Second,
		Usage: "overall deadline",
	}
	resourceFlag = cli.StringFlag{
		Name:  "resource",
		Usage: "only list servers announcing this resource path",
	}
)

var globalFlags = []cli.Flag{verboseFlag, ackTimeoutFlag, maxRetransmitFlag}
