package cmd

import (
	"github.com/spf13/cobra"

	"mini-ops/netexec"
	"mini-ops/ops"
)

// opsCmd represents the ops command.
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the executor's operation table",
	Long: `List the operations the socket executor publishes, with the code each
name resolves to. The table is fixed for the process lifetime; this is what a
dispatcher sees at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		exec := netexec.New()
		defer exec.Close()

		reg := ops.NewRegistry(exec.Ops())
		for _, name := range reg.Names() {
			code, err := reg.Lookup(name)
			if err != nil {
				return err
			}
			cmd.Printf("%-8s %d\n", name, code)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(opsCmd)
}
