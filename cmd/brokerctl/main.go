// Command brokerctl inspects and drives the capability brokers of a running
// brokerd.
//
// Usage:
//
//	brokerctl [--broker NAME | --socket PATH] <command> [flags]
//
// Commands:
//
//	list     List the capabilities of a broker
//	invoke   Acquire a capability, run one operation and release it
//	watch    Stream repeated reads of an operation
//	shell    Interactive session holding handles
//	log      Decode a protocol capture file
//
// Examples:
//
//	brokerctl list
//	brokerctl invoke CarMotors set_throttle throttle=20
//	brokerctl -b camera watch Camera capture -n 8
//	brokerctl log --category error /var/log/rovekit/proto.cbor
//
// A capability held by another client fails fast with exit status 2.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rovekit/rovekit-go/cmd/brokerctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "brokerctl: %s\n", commands.Describe(err))
		stop()
		os.Exit(commands.ExitCode(err))
	}
}
