// Command mediator routes messages from a source to a sink. Each message
// is deduplicated, redelivered on failure, dead lettered when redelivery
// is exhausted and recorded as a step of a saga.
//
// Usage:
//
//	mediator run --config mediator.yaml
//	mediator config keys
//	mediator config check --config mediator.yaml
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
