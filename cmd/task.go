package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/madsdk/python-execution-environment/internal/jailor"
	"github.com/madsdk/python-execution-environment/internal/registry"
)

// taskCmd groups the offline task-management subcommands: they operate
// directly on the registry rooted at --basedir rather than going
// through a running surrogate's RPC surface, which is convenient for
// seeding a node before it is started.
func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage installed tasks without a running surrogate",
	}
	cmd.AddCommand(taskInstallCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskFetchCmd())
	return cmd
}

func openLocalJailor() (*jailor.Jailor, error) {
	reg, err := registry.New(basedir)
	if err != nil {
		return nil, err
	}
	// A single-core jailor is sufficient for offline install/list/fetch;
	// these subcommands never call PerformTask.
	return jailor.New(reg, 1)
}

func taskInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <name> <file>",
		Short: "Validate and install task code from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			code, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			jail, err := openLocalJailor()
			if err != nil {
				return err
			}
			if err := jail.InstallTask(name, string(code)); err != nil {
				return err
			}
			fmt.Printf("installed %s\n", name)
			return nil
		},
	}
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed task names",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(basedir)
			if err != nil {
				return err
			}
			for _, name := range reg.List() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func taskFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <name>",
		Short: "Print a task's source with the monkey header stripped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jail, err := openLocalJailor()
			if err != nil {
				return err
			}
			code, err := jail.FetchTaskCode(args[0])
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
}
