package cmd

import (
	"github.com/spf13/cobra"
)

var (
	setupIndex     bool
	setupDropIndex bool
)

// setupCmd represents the setup command
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the database schema",
	Long: `Setup creates the feature, geometry and reference tables if they do
not exist. --index also activates the envelope index that bounding box
exports require; --drop-index removes it again.`,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().BoolVar(&setupIndex, "index", false, "Activate the spatial index")
	setupCmd.Flags().BoolVar(&setupDropIndex, "drop-index", false, "Drop the spatial index")
	setupCmd.MarkFlagsMutuallyExclusive("index", "drop-index")
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx, stop := runContext(cmd.Context())
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx, setupIndex); err != nil {
		return err
	}
	if setupDropIndex {
		if err := st.DropSpatialIndex(ctx); err != nil {
			return err
		}
	}

	active, err := st.SpatialIndexActive(ctx)
	if err != nil {
		return err
	}
	logger.Info("Schema ready on %s (spatial index active: %t)", cfg.Database.Type, active)
	return nil
}
