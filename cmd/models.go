package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/duskpine/vombat/internal/config"
)

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured logical models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDirs()...)
			if err != nil {
				return err
			}
			if len(cfg.Providers) == 0 {
				fmt.Println("no providers configured")
				return nil
			}
			ids := make([]string, 0, len(cfg.Providers))
			for id := range cfg.Providers {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				p := cfg.Providers[id]
				marker := " "
				if id == cfg.LLM.DefaultModel {
					marker = "*"
				}
				key := "no api key"
				if p.APIKey != "" {
					key = "api key set"
				}
				fmt.Printf("%s %-20s %-10s %-30s %s\n", marker, id, p.Type, p.ModelID, key)
				if p.Fallback != "" {
					fmt.Printf("    fallback: %s\n", p.Fallback)
				}
			}
			return nil
		},
	}
}
