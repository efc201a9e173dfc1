// Trapdecode is an offline toolkit for SWISSINNO trap advertisements.
//
// It decodes raw manufacturer payloads, replays gateway envelopes through the
// decoder, and browses the network for running trapwatch servers.
//
// Usage:
//
//	trapdecode [command] [flags]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	vendorID string
	variants []string
	rssi     int
	format   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "trapdecode",
		Short: "Decode SWISSINNO trap advertisements",
		Long: `Decode SWISSINNO trap advertisements without a running server.

Payloads are decoded with the same rules the server applies, so the output
shows exactly which readings a gateway capture would produce.`,
		SilenceUsage: true,
	}

	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&opts.vendorID, "vendor-id", "0x0bbb", "Manufacturer id to accept")
	root.PersistentFlags().StringSliceVar(&opts.variants, "variants", []string{"battery", "class-guard"}, "Payload variants to try, in order")
	root.PersistentFlags().StringVar(&opts.format, "format", "text", "Output format (text, json)")

	root.AddCommand(newPayloadCmd(opts))
	root.AddCommand(newEnvelopeCmd(opts))
	root.AddCommand(newDiscoverCmd())

	return root
}
