package main

import (
	"bufio"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"helpdesk/internal/config"

	"github.com/spf13/cobra"
)

var knownTransports = []struct {
	ID   string
	Desc string
}{
	{"poll", "poll the conversation every few seconds"},
	{"push", "WebSocket push, falls back to polling"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: backend → identity → transport → alerts → save config",
		Long:  "Guides you through the backend URL and API key, the identity used for agent handoff, the update transport and Telegram alerts. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Backend
	fmt.Println("\n--- Step 1: Support backend ---")
	fmt.Fprint(os.Stdout, "Backend URL")
	if cfg.Backend.BaseURL, err = prompt(cfg.Backend.BaseURL); err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, "API key: paste key or env var (e.g. ${HELPDESK_API_KEY}), empty for none")
	key, err := prompt(cfg.Backend.APIKey)
	if err != nil {
		return err
	}
	cfg.Backend.APIKey = key

	// Step 2: Identity
	fmt.Println("\n--- Step 2: Your identity for agent handoff ---")
	fmt.Fprint(os.Stdout, "Name (optional)")
	if cfg.Widget.Name, err = prompt(cfg.Widget.Name); err != nil {
		return err
	}
	for {
		fmt.Fprint(os.Stdout, "Email (empty to ask on handoff)")
		email, err := prompt(cfg.Widget.Email)
		if err != nil {
			return err
		}
		if email == "" {
			cfg.Widget.Email = ""
			break
		}
		if addr, err := mail.ParseAddress(email); err == nil {
			cfg.Widget.Email = addr.Address
			break
		}
		fmt.Println("  That does not look like an email address.")
	}

	// Step 3: Transport
	fmt.Println("\n--- Step 3: Update transport ---")
	defNum := "1"
	for i, t := range knownTransports {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, t.ID, t.Desc)
		if t.ID == cfg.Widget.Transport {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprint(os.Stdout, "Choose transport (1–2)")
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownTransports) {
		idx = 1
	}
	cfg.Widget.Transport = knownTransports[idx-1].ID
	fmt.Fprintf(os.Stdout, "  Using transport: %s\n", cfg.Widget.Transport)

	// Step 4: Alerts (only used by 'helpdesk serve')
	fmt.Println("\n--- Step 4: Telegram alerts for new tickets ---")
	fmt.Fprint(os.Stdout, "Enable Telegram alerts? (y/n)")
	def := "n"
	if cfg.Alerts.Telegram.Enabled {
		def = "y"
	}
	yn, err := prompt(def)
	if err != nil {
		return err
	}
	cfg.Alerts.Telegram.Enabled = strings.HasPrefix(strings.ToLower(yn), "y")
	if cfg.Alerts.Telegram.Enabled {
		fmt.Fprint(os.Stdout, "Telegram bot token (from @BotFather)")
		if cfg.Alerts.Telegram.Token, err = prompt(cfg.Alerts.Telegram.Token); err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, "Agent chat id")
		chat, err := prompt(fmt.Sprint(cfg.Alerts.Telegram.ChatID))
		if err != nil {
			return err
		}
		fmt.Sscanf(chat, "%d", &cfg.Alerts.Telegram.ChatID)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'helpdesk serve' for the backend, then 'helpdesk chat'.")
	return nil
}
