package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neoclaw-ai/llmbot/internal/models"
)

func newModelsCmd() *cobra.Command {
	var setDefault string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models, or set the default with --default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadValidated()
			if err != nil {
				return err
			}
			store := models.NewStore(cfg.LLM, models.NewFilePointer(cfg.DefaultModelPath()))
			if err := store.Reconcile(); err != nil {
				return fmt.Errorf("reconcile default model: %w", err)
			}

			out := cmd.OutOrStdout()
			if setDefault != "" {
				m, err := store.SetDefault(setDefault)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "default model: %s\n", m.Name)
				return nil
			}

			snap := store.Snapshot()
			if len(snap.Models) == 0 {
				fmt.Fprintln(out, "no models configured")
				return nil
			}
			def, err := store.Default()
			if err != nil {
				return err
			}
			for _, m := range snap.Models {
				marker := " "
				if m.Name == def {
					marker = "*"
				}
				alias := m.Alias
				if alias == "" {
					alias = "-"
				}
				fmt.Fprintf(out, "%s %s\t%s\t%s\n", marker, m.Name, alias, m.Provider)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&setDefault, "default", "", "Set the default model by name or alias")
	return cmd
}
