package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run maintenance jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled maintenance jobs",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApplication(func(app *application) error {
			fmt.Println(strings.Join(app.scheduler.Jobs(), "\n"))
			return nil
		})
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a maintenance job once",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withApplication(func(app *application) error {
			affected, err := app.scheduler.RunNow(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d affected\n", args[0], affected)
			return nil
		})
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	rootCmd.AddCommand(jobsCmd)
}

func withApplication(fn func(app *application) error) error {
	cfg, db, err := loadRuntime()
	if err != nil {
		return err
	}

	app, err := newApplication(cfg, db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer app.Close()

	return fn(app)
}
