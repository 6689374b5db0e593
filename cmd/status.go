package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deskwire/deskwire/internal/config"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deskwire configuration and room channels",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	path := configPath()

	fmt.Printf("%s deskwire Status\n\n", logo)

	_, statErr := os.Stat(path)
	cfgMark := "✗"
	if statErr == nil {
		cfgMark = "✓"
	}
	fmt.Printf("Config:    %s %s\n", path, cfgMark)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("  (could not load config: %v)\n", err)
		return nil
	}

	endpoint, urlErr := transport.NormalizeURL(cfg.Realtime.URL)
	if urlErr != nil {
		endpoint = fmt.Sprintf("%s (%v)", cfg.Realtime.URL, urlErr)
	}
	fmt.Printf("Endpoint:  %s\n", endpoint)
	fmt.Printf("Issuer:    %s\n", cfg.Issuer.BaseURL)
	fmt.Printf("Tenant:    %s\n", orUnset(cfg.Identity.Tenant))
	fmt.Printf("User:      %s\n", orUnset(cfg.Identity.User))
	if cfg.Report.Enabled {
		fmt.Printf("Report:    %s\n", cfg.Report.Schedule)
	} else {
		fmt.Println("Report:    off")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("\n✗ Config incomplete:\n  %v\n", err)
	}

	namer := realtime.Namer{
		Namespace: cfg.Realtime.Namespace,
		Tenant:    cfg.Identity.Tenant,
		Known:     cfg.Realtime.KnownNamespaces,
	}
	fmt.Println("\nRooms:")
	if len(cfg.Rooms) == 0 {
		fmt.Println("  (none)")
	}
	for _, room := range cfg.Rooms {
		fmt.Printf("  %-24s → %s\n", room, namer.Channel(room))
	}
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
