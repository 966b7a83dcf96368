package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gohrm/internal/hrm"
	"github.com/chaz8081/gohrm/internal/record"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a Heart Rate Measurement payload",
		Long: `Decodes one raw Heart Rate Measurement (0x2A37) value and prints its
fields. Bytes may be separated by spaces, colons or commas and may carry a
0x prefix.

Examples:
  gohrm decode 1046e803
  gohrm decode "11 46 00 E8 03"
  gohrm decode 0x16,0x48,0x00,0x02`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := parseHex(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), buf, time.Now())
		},
	}
}

// parseHex accepts "1046E803", "10 46 e8 03", "10:46:E8:03" and "0x10,0x46".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer("0x", "", "0X", "", " ", "", ":", "", ",", "", "\t", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return buf, nil
}

func describe(w io.Writer, buf []byte, at time.Time) error {
	m, err := hrm.Parse(buf)
	if err != nil {
		return fmt.Errorf("decode % X: %w", buf, err)
	}

	width := 8
	if m.Flags.Wide() {
		width = 16
	}
	contact := "not supported"
	if m.Flags.ContactSupported() {
		contact = "not detected"
		if m.Flags.ContactDetected() {
			contact = "detected"
		}
	}

	fmt.Fprintf(w, "payload:    % X\n", buf)
	fmt.Fprintf(w, "flags:      0x%02X\n", byte(m.Flags))
	fmt.Fprintf(w, "heart rate: %d bpm (uint%d)\n", m.HeartRate, width)
	fmt.Fprintf(w, "contact:    %s\n", contact)
	if m.Flags.EnergyPresent() {
		fmt.Fprintf(w, "energy:     %d kJ\n", m.EnergyExpended)
	}
	for i, raw := range m.RRRaw {
		fmt.Fprintf(w, "rr[%d]:      %d ms (raw %d/1024 s)\n", i, hrm.RRToMillis(raw), raw)
	}
	fmt.Fprintf(w, "record:     %s\n", record.Format(m.Sample(at)))
	return nil
}
