package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/directorycodec"
)

var deleteAllNode bool

func init() {
	deleteCmd.Flags().BoolVarP(&deleteAllNode, "all-node", "a", false, "delete all nodes in config file(s)")
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:     "delete [node_ids...]",
	Aliases: []string{"del"},
	Short:   "Delete node information from the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := controlLogger()
		cc, err := loadControlConfig(log, configPaths)
		if err != nil {
			return configError{err}
		}
		dir, err := cc.dial()
		if err != nil {
			return err
		}
		defer dir.Close()

		ctx := context.Background()
		var ids []string
		if deleteAllNode {
			for id := range cc.NodeTable {
				ids = append(ids, id)
			}
		} else {
			ids = args
		}

		seen := make(map[string]bool)
		var delNodes []string
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			delNodes = append(delNodes, id)
			prefix := strings.TrimSuffix(directorycodec.Key(cc.EtcdPrefix, id, ""), "/")
			if err := dir.DeletePrefix(ctx, prefix); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		sort.Strings(delNodes)
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d nodes. (%s).\n", len(delNodes), strings.Join(delNodes, " and "))
		return nil
	},
}
