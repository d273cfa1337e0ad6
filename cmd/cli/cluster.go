package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster operations",
		Long:  "Inspect the cluster and exercise its coordination primitives",
	}

	cmd.AddCommand(clusterInfoCmd())
	cmd.AddCommand(clusterHealthCmd())
	cmd.AddCommand(clusterMembersCmd())
	cmd.AddCommand(clusterCounterCmd())
	cmd.AddCommand(clusterPublishCmd())
	cmd.AddCommand(clusterLockTestCmd())
	cmd.AddCommand(clusterElectCmd())

	return cmd
}

func clusterInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show cluster info as seen by the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			info, err := c.ClusterInfo(ctx)
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func clusterHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run cluster health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			h, err := c.ClusterHealth(ctx)
			if err != nil {
				return err
			}
			for _, check := range h.Checks {
				state := "ok"
				if !check.Healthy {
					state = "FAIL"
				}
				fmt.Printf("%-10s %-4s %s\n", check.Name, state, check.Detail)
			}
			if !h.Healthy {
				return fmt.Errorf("cluster degraded: %s", h.Error)
			}
			return nil
		},
	}
}

func clusterMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List cluster members",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			members, err := c.Members(ctx)
			if err != nil {
				return err
			}
			for i, m := range members {
				fmt.Printf("%d) %s - %s - %s\n", i+1, m.ID, m.APIAddress, m.Status)
			}
			return nil
		},
	}
}

func clusterCounterCmd() *cobra.Command {
	var increment bool

	cmd := &cobra.Command{
		Use:   "counter <name> [delta]",
		Short: "Read or increment a distributed counter",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			var (
				v   int64
				err error
			)
			if increment || len(args) == 2 {
				delta := int64(1)
				if len(args) == 2 {
					if delta, err = strconv.ParseInt(args[1], 10, 64); err != nil {
						return fmt.Errorf("invalid delta: %w", err)
					}
				}
				v, err = c.Increment(ctx, args[0], delta)
			} else {
				v, err = c.Counter(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s = %d\n", args[0], v)
			return nil
		},
	}

	cmd.Flags().BoolVar(&increment, "incr", false, "Increment by one")
	return cmd
}

func clusterPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> [data-json]",
		Short: "Publish a cluster event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseObject(args, 1)
			if err != nil {
				return err
			}
			c, ctx, cancel := newClient()
			defer cancel()
			id, err := c.Publish(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Printf("Published %s\n", id)
			return nil
		},
	}
}

func clusterLockTestCmd() *cobra.Command {
	var hold int

	cmd := &cobra.Command{
		Use:   "lock-test <lock-name>",
		Short: "Acquire, hold and release a distributed lock on the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			res, err := c.TestLock(ctx, args[0], hold)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.Flags().IntVar(&hold, "hold", 5, "Seconds to hold the lock")
	return cmd
}

func clusterElectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "elect <service-name>",
		Short: "Campaign for leadership of a service on the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient()
			defer cancel()
			res, err := c.TestLeaderElection(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
