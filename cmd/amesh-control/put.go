package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amesh-project/amesh/pkg/context"
	"github.com/amesh-project/amesh/pkg/directorycodec"
)

var (
	putAllNode bool
	putSync    bool
)

func init() {
	putCmd.Flags().BoolVarP(&putAllNode, "all-node", "a", false, "put all nodes in config file(s)")
	putCmd.Flags().BoolVarP(&putSync, "sync", "s", false, "remove directory nodes not present in config file(s) after putting")
	rootCmd.AddCommand(putCmd)
}

var putCmd = &cobra.Command{
	Use:   "put [node_ids...]",
	Short: "Put node information into the directory",
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
		all := putAllNode || putSync
		wanted := make(map[string]bool, len(args))
		for _, id := range args {
			wanted[id] = true
		}

		var putNodes []string
		for nodeID, n := range cc.NodeTable {
			if !all && !wanted[nodeID] {
				continue
			}
			putNodes = append(putNodes, nodeID)
			for key, value := range directorycodec.Flatten(cc.EtcdPrefix, nodeID, n) {
				if err := dir.Put(ctx, key, value, nil); err != nil {
					return fmt.Errorf("put %s: %w", key, err)
				}
			}
		}
		sort.Strings(putNodes)
		fmt.Fprintf(cmd.OutOrStdout(), "Put %d nodes. (%s).\n", len(putNodes), strings.Join(putNodes, " and "))

		if putSync {
			events, err := dir.GetPrefix(ctx, cc.EtcdPrefix)
			if err != nil {
				return err
			}
			deleted := make(map[string]bool)
			for _, ev := range events {
				id, _, ok := directorycodec.Split(cc.EtcdPrefix, ev.Key)
				if !ok {
					continue
				}
				if _, inConfig := cc.NodeTable[id]; inConfig {
					continue
				}
				if deleted[id] {
					continue
				}
				deleted[id] = true
				prefix := directorycodec.Key(cc.EtcdPrefix, id, "")
				if err := dir.DeletePrefix(ctx, strings.TrimSuffix(prefix, "/")); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
			}
			if len(deleted) > 0 {
				var delNodes []string
				for id := range deleted {
					delNodes = append(delNodes, id)
				}
				sort.Strings(delNodes)
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d nodes. (%s).\n", len(delNodes), strings.Join(delNodes, " and "))
			}
		}
		return nil
	},
}
