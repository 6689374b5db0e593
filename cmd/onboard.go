package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deskwire/deskwire/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize configuration",
	RunE:  runOnboard,
}

func runOnboard(_ *cobra.Command, _ []string) error {
	path := configPath()

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		fmt.Printf("Press Enter to refresh (keep existing values) or Ctrl+C to cancel: ")
		fmt.Scanln()
		existing, loadErr := config.Load(path)
		if loadErr != nil {
			def := config.DefaultConfig()
			existing = &def
		}
		if err := config.Save(existing, path); err != nil {
			return err
		}
		fmt.Printf("✓ Config refreshed at %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		if err := config.Save(&cfg, path); err != nil {
			return err
		}
		fmt.Printf("✓ Created config at %s\n", path)
	}

	fmt.Printf("\n%s deskwire is ready!\n\n", logo)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Set realtime.url, issuer.baseUrl and identity.tenant in %s\n", path)
	fmt.Println("  2. Check it: deskwire status")
	fmt.Println("  3. Listen: deskwire watch --room queue:support")
	return nil
}
