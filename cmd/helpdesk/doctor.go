package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"helpdesk/internal/backend"
	"helpdesk/internal/config"
	"helpdesk/internal/storage"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your helpdesk installation",
		Long: `Verifies that the configuration, databases, upload directory and
backend are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("helpdesk doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'helpdesk init' or 'helpdesk wizard' to create a configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if cfg.Session.Enabled {
				if err := checkDatabase(cfg.Session.DBPath); err != nil {
					printFail("Session database", err.Error())
					failed++
				} else {
					printPass("Session database", cfg.Session.DBPath)
					passed++
				}
			} else {
				printWarn("Session database", "disabled, conversations are not resumed")
				warned++
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			api, err := newClient(cfg, nil)
			if err == nil {
				_, err = api.ListTickets(ctx)
			}
			if err != nil {
				printWarn("Backend", fmt.Sprintf("%s unreachable: %v", cfg.Backend.BaseURL, err))
				warned++
			} else {
				printPass("Backend", cfg.Backend.BaseURL)
				passed++
			}

			// Server-side checks only matter where 'helpdesk serve' runs.
			if err := checkDatabase(cfg.Server.DBPath); err != nil {
				printFail("Support database", err.Error())
				failed++
			} else {
				printPass("Support database", cfg.Server.DBPath)
				passed++
			}

			if err := checkWritableDir(cfg.Server.UploadDir); err != nil {
				printFail("Upload directory", err.Error())
				failed++
			} else {
				printPass("Upload directory", cfg.Server.UploadDir)
				passed++
			}

			if cfg.Server.AssistantRules != "" {
				if a, err := backend.LoadAssistant(cfg.Server.AssistantRules); err != nil {
					printFail("Assistant rules", err.Error())
					failed++
				} else {
					printPass("Assistant rules", fmt.Sprintf("%d rules", len(a.Rules)))
					passed++
				}
			}

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkPort(addr); err != nil {
				printWarn("Server port", fmt.Sprintf("%s may be in use: %v", addr, err))
				warned++
			} else {
				printPass("Server port", addr+" available")
				passed++
			}

			if cfg.Alerts.Telegram.Enabled {
				printPass("Telegram alerts", fmt.Sprintf("chat %d", cfg.Alerts.Telegram.ChatID))
				passed++
			} else {
				printWarn("Telegram alerts", "disabled, new tickets are only logged")
				warned++
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running helpdesk.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nhelpdesk should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed!\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
