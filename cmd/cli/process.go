package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowmesh/pkg/process"
)

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process engine operations",
	}

	cmd.AddCommand(processDeployCmd())
	cmd.AddCommand(processStartCmd())
	cmd.AddCommand(processGetCmd())
	cmd.AddCommand(processListCmd())
	cmd.AddCommand(processDefinitionsCmd())
	cmd.AddCommand(processActionCmd("suspend", "Suspend a running instance"))
	cmd.AddCommand(processActionCmd("resume", "Resume a suspended instance"))
	cmd.AddCommand(processActionCmd("terminate", "Cancel an instance"))

	return cmd
}

func processDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <flow-id>",
		Short: "Deploy a new version of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			def, err := c.Deploy(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Deployed %s (version %d)\n", def.ID, def.Version)
			return nil
		},
	}
}

func processStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <definition-id> [variables-json]",
		Short: "Start an instance of a definition",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseObject(args, 1)
			if err != nil {
				return err
			}
			c, ctx, cancel := newClient()
			defer cancel()
			inst, err := c.Start(ctx, args[0], vars)
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
}

func processGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <instance-id>",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			inst, err := c.Instance(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
}

func processListCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			filter := make([]process.Status, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, process.Status(s))
			}
			list, err := c.Instances(ctx, filter...)
			if err != nil {
				return err
			}
			for i, inst := range list {
				fmt.Printf("%d) %s - %s - %s - step %q\n", i+1, inst.ID, inst.DefinitionID, inst.Status, inst.CurrentStep)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (default RUNNING,SUSPENDED)")
	return cmd
}

func processDefinitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List deployed definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			defs, err := c.Definitions(ctx)
			if err != nil {
				return err
			}
			for _, d := range defs {
				fmt.Printf("%s - %d steps - deployed %s\n", d.ID, len(d.Steps), d.DeployedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func processActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			var (
				ok  bool
				err error
			)
			switch action {
			case "suspend":
				ok, err = c.Suspend(ctx, args[0])
			case "resume":
				ok, err = c.Resume(ctx, args[0])
			default:
				ok, err = c.Terminate(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("cannot %s instance %s in its current state", action, args[0])
			}
			fmt.Printf("OK: %s %s\n", action, args[0])
			return nil
		},
	}
}
