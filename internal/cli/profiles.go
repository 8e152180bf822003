package cli

import (
	"fmt"

	"github.com/me/clusterui/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Print the configured resource profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := struct {
				DefaultProfile string                           `yaml:"default_profile"`
				Profiles       map[string]model.ResourceProfile `yaml:"profiles"`
			}{
				DefaultProfile: cfg.DefaultProfile,
				Profiles:       make(map[string]model.ResourceProfile, len(cfg.Profiles)),
			}
			for _, name := range cfg.ProfileNames() {
				p, err := cfg.Profile(name)
				if err != nil {
					return err
				}
				p.Name = "" // the map key already says it
				doc.Profiles[name] = p
			}

			data, err := yaml.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal profiles: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
