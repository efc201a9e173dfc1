package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"

	"trapwatch/go-mqtt-server/internal/decoder"
	"trapwatch/go-mqtt-server/internal/gateway"
	"trapwatch/go-mqtt-server/internal/model"
)

// result is one line of output.
type result struct {
	Input          string   `json:"input"`
	TrapID         string   `json:"trap_id,omitempty"`
	Tripped        bool     `json:"tripped"`
	BatteryVoltage *float64 `json:"battery_voltage,omitempty"`
	RSSI           int      `json:"rssi"`
	Variant        string   `json:"variant,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func (o *options) newDecoder() (*decoder.Decoder, error) {
	vendorID, err := gateway.ParseVendorID(o.vendorID)
	if err != nil {
		return nil, err
	}

	variants := make([]model.Variant, 0, len(o.variants))
	for _, name := range o.variants {
		v, err := decoder.ParseVariant(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}

	return decoder.New(decoder.WithVendorID(vendorID), decoder.WithVariants(variants...)), nil
}

func newResult(input string, r model.Reading, err error) result {
	res := result{Input: input}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.TrapID = r.TrapID
	res.Tripped = r.Tripped
	res.RSSI = r.RSSI
	res.Variant = r.Variant.String()
	if r.HasBattery {
		v := r.RoundedVoltage()
		res.BatteryVoltage = &v
	}
	return res
}

func (o *options) write(w io.Writer, results []result) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "%s\trejected: %s\n", r.Input, r.Error)
			continue
		}
		line := fmt.Sprintf("%s\ttrap=%s tripped=%t variant=%s", r.Input, r.TrapID, r.Tripped, r.Variant)
		if r.BatteryVoltage != nil {
			line += fmt.Sprintf(" battery=%.2fV", *r.BatteryVoltage)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func newPayloadCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payload <hex>...",
		Short: "Decode raw manufacturer payloads",
		Long: `Decode one or more manufacturer payloads given as hex strings.

Colons and a leading 0x are ignored, so values can be pasted straight from
btmon or a gateway log.`,
		Example: `  # Battery frame, tripped
  trapdecode payload 0100ab1200ff0180

  # Class-guard frame only
  trapdecode payload --variants class-guard 01:00:ab:12:00:ff:01`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, err := opts.newDecoder()
			if err != nil {
				return err
			}

			results := make([]result, 0, len(args))
			for _, arg := range args {
				payload, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(arg, ":", ""), "0x"))
				if err != nil {
					results = append(results, result{Input: arg, Error: fmt.Sprintf("invalid hex: %v", err)})
					continue
				}
				r, err := dec.Decode(dec.VendorID(), payload, opts.rssi)
				results = append(results, newResult(arg, r, err))
			}
			return opts.write(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVar(&opts.rssi, "rssi", 0, "RSSI to attach to decoded readings")
	return cmd
}

func newEnvelopeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "envelope [file]",
		Short: "Decode gateway JSON envelopes, one per line",
		Long: `Decode gateway advertisement envelopes, one JSON object per line, from a
file or standard input. Advertisements without the configured vendor id are
skipped, as are unreadable entries for other vendors.`,
		Example: `  mosquitto_sub -t 'ble/+/advertisements' | trapdecode envelope`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, err := opts.newDecoder()
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open envelope file: %w", err)
				}
				defer f.Close()
				in = f
			}

			var results []result
			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				adv, skipped, err := gateway.Parse([]byte(line), "", time.Now().UTC())
				if err != nil {
					results = append(results, result{Input: truncate(line, 48), Error: err.Error()})
					continue
				}
				for _, entry := range skipped {
					if entry.KeyValid && entry.VendorID == dec.VendorID() {
						results = append(results, result{Input: adv.Address, Error: entry.Error()})
					}
				}
				payload, ok := adv.ManufacturerData[dec.VendorID()]
				if !ok {
					continue
				}
				r, err := dec.Decode(dec.VendorID(), payload, adv.RSSI)
				results = append(results, newResult(adv.Address, r, err))
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read envelopes: %w", err)
			}

			return opts.write(cmd.OutOrStdout(), results)
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for trapwatch servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				return fmt.Errorf("create mDNS resolver: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			entries := make(chan *zeroconf.ServiceEntry)
			done := make(chan struct{})
			found := 0
			go func() {
				defer close(done)
				for {
					select {
					case <-ctx.Done():
						return
					case e, ok := <-entries:
						if !ok {
							return
						}
						found++
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%d\t%s\n", e.Instance, e.HostName, e.Port, strings.Join(e.Text, " "))
					}
				}
			}()

			if err := resolver.Browse(ctx, "_trapwatch._tcp", "local.", entries); err != nil {
				return fmt.Errorf("browse: %w", err)
			}
			<-done

			if found == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No trapwatch servers found.")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to listen for announcements")
	return cmd
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
