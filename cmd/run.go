package cmd

import (
	"github.com/CurlyFG/SweetPeepMessenger/sweetpeep"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Sweet Peep coordinator, its characters and the API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			sp, err := sweetpeep.New(cfg)
			if err != nil {
				log.Fatalf("error creating sweetpeep: %s", err.Error())
			}

			if err = sp.Run(ctx); err != nil {
				log.Fatalf("error running sweetpeep: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
