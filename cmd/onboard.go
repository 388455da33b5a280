package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/duskpine/vombat/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactively create a starter configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	var (
		platform      = "telegram"
		botToken      string
		providerType  = "openai"
		providerKey   string
		providerModel string
		dbPath        = "vombat.db"
		detectSpam    bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Messenger platform").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Max", "max"),
				).
				Value(&platform),
			huh.NewInput().
				Title("Bot token").
				EchoMode(huh.EchoModePassword).
				Value(&botToken).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("token is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider protocol").
				Options(
					huh.NewOption("OpenAI-compatible", "openai"),
					huh.NewOption("Anthropic", "anthropic"),
				).
				Value(&providerType),
			huh.NewInput().
				Title("Provider API key").
				EchoMode(huh.EchoModePassword).
				Value(&providerKey),
			huh.NewInput().
				Title("Model id (e.g. gpt-4o, claude-sonnet-4-5)").
				Value(&providerModel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("SQLite database path").
				Value(&dbPath),
			huh.NewConfirm().
				Title("Enable Bayes spam detection by default?").
				Value(&detectSpam),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()
	switch platform {
	case "telegram":
		cfg.Telegram.Enabled = true
		cfg.Telegram.BotToken = botToken
	case "max":
		cfg.Max.Enabled = true
		cfg.Max.BotToken = botToken
	}
	cfg.Database.Sources["main"] = config.SourceConfig{Type: "sqlite", Path: dbPath}
	cfg.Providers = map[string]config.ProviderConfig{
		"default": {Type: providerType, ModelID: providerModel, APIKey: providerKey},
	}
	cfg.LLM.DefaultModel = "default"
	if detectSpam {
		cfg.Bot.Defaults = map[string]string{"detect-spam": "true"}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config invalid: %w", err)
	}

	dir := configDirs()[0]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "vombat.toml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists; remove it first or edit it directly", path)
		}
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\nStart the bot with: vombat --config %s\n", path, dir)
	return nil
}
