package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/directorycodec"
	"github.com/amesh-project/amesh/pkg/node"
)

func init() {
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:       "get [etcd|config]",
	Short:     "Print node information",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"etcd", "config"},
	RunE: func(cmd *cobra.Command, args []string) error {
		source := "etcd"
		if len(args) == 1 {
			source = args[0]
		}

		log := controlLogger()
		cc, err := loadControlConfig(log, configPaths)
		if err != nil {
			return configError{err}
		}

		var table node.Table
		switch source {
		case "config":
			table = cc.NodeTable
		case "etcd":
			dir, err := cc.dial()
			if err != nil {
				return err
			}
			defer dir.Close()

			events, err := dir.GetPrefix(context.Background(), cc.EtcdPrefix)
			if err != nil {
				return err
			}
			table = make(node.Table)
			for _, ev := range events {
				id, field, ok := directorycodec.Split(cc.EtcdPrefix, ev.Key)
				if !ok {
					continue
				}
				n, exists := table[id]
				if !exists {
					n = node.New()
					table[id] = n
				}
				n.Update(log, field, ev.Value)
			}
		default:
			return fmt.Errorf("unknown source %q", source)
		}

		for _, id := range sortedNodeIDs(table) {
			fmt.Fprintln(cmd.OutOrStdout(), id)
			fmt.Fprintln(cmd.OutOrStdout(), table[id].Format(4))
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return nil
	},
}
