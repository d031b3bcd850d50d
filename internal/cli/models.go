package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/soyeahso/tokengate/internal/config"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			registry := provider.NewRegistryFromConfig(cfg.Providers, log)
			models := registry.Models()
			if len(models) == 0 {
				fmt.Println("no models configured")
				return nil
			}

			sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
			for _, m := range models {
				caps := make([]string, 0, len(m.Capabilities))
				for _, c := range m.Capabilities.List() {
					caps = append(caps, string(c))
				}
				sort.Strings(caps)
				fmt.Printf("%-40s %-10s %-10s %s\n", m.ID, m.Provider, m.TestStatus, strings.Join(caps, ","))
			}
			return nil
		},
	}
	return cmd
}
