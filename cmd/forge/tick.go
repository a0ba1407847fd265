package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/agent/driver"
)

var tickTranscript string

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one iteration pass over a runtime transcript",
	Long: `Tick is invoked by the runtime harness after each turn. It reads the
transcript from --transcript (or stdin), runs criteria evaluation, stuck
detection, checkpointing, and coordinator reporting, then prints the
resulting signal as JSON:

  {"kind":"continue","prompt":"..."}   re-prompt the runtime
  {"kind":"approve"}                   nothing to drive
  {"kind":"exit","reason":"..."}       stop the loop`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().StringVar(&tickTranscript, "transcript", "", "transcript file (defaults to stdin)")
}

func runTick(cmd *cobra.Command, args []string) error {
	var transcript []byte
	var err error
	if tickTranscript != "" {
		transcript, err = os.ReadFile(tickTranscript)
	} else {
		transcript, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	ws := workspace()
	var client *agent.Client
	if reg, err := agent.LoadRegistration(ws); err != nil {
		return err
	} else if reg != nil {
		client = agent.NewClient(reg.URL, reg.NodeID)
	}

	sig, err := driver.New(ws, client).Tick(cmd.Context(), string(transcript))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(map[string]string{
		"kind":   string(sig.Kind),
		"prompt": sig.Prompt,
		"reason": sig.Reason,
	})
}
