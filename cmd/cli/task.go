package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "User task operations",
	}

	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskCompleteCmd())

	return cmd
}

func taskListCmd() *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outstanding user tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			tasks, err := c.Tasks(ctx, instanceID)
			if err != nil {
				return err
			}
			for i, t := range tasks {
				fmt.Printf("%d) %s - instance %s - step %s\n", i+1, t.ID, t.InstanceID, t.Step)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&instanceID, "instance", "", "Only tasks of this instance")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id> [output-json]",
		Short: "Complete a user task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := parseObject(args, 1)
			if err != nil {
				return err
			}
			c, ctx, cancel := newClient()
			defer cancel()
			if err := c.CompleteTask(ctx, args[0], output); err != nil {
				return err
			}
			fmt.Printf("OK: task %s completed\n", args[0])
			return nil
		},
	}
}
