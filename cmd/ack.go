package cmd

import (
	"github.com/spf13/cobra"
)

var ackCmd = &cobra.Command{
	Use:   "ack <bundle-id>",
	Short: "Acknowledge a cleanup bundle that failed part way",
	Long: `A cleanup bundle that fails after running some of its statements blocks
every further phase. Inspect the database, repair it by hand if needed, then
acknowledge the failure so the bundle can be applied again.`,
	Args: cobra.ExactArgs(1),
	RunE: runAck,
}

var ackNote string

func init() {
	rootCmd.AddCommand(ackCmd)

	ackCmd.Flags().StringVar(&ackNote, "note", "", "What was inspected or repaired")
	_ = ackCmd.MarkFlagRequired("note")
}

func runAck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	e, err := s.engine(ctx, s.options())
	if err != nil {
		return err
	}
	if err := e.Acknowledge(ctx, args[0], ackNote); err != nil {
		return err
	}
	_, _ = successColor.Fprintf(cmd.OutOrStdout(), "Acknowledged %s.\n", args[0])
	return nil
}
