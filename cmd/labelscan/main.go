// Package main provides the labelscan operator CLI: inspect, check, dump
// and rebuild a label scan store offline.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orneryd/labelscan/pkg/bptree"
	"github.com/orneryd/labelscan/pkg/config"
	"github.com/orneryd/labelscan/pkg/labelscan"
	"github.com/orneryd/labelscan/pkg/nodestore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagConfig string
	flagDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "labelscan",
		Short:   "Label scan store tooling",
		Long:    "Offline tooling for the label scan store: inspect the recovery header,\nrun a consistency check, dump index contents and rebuild from a node store.",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (labelscan.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "store directory (overrides config)")

	rootCmd.AddCommand(headerCmd(), checkCmd(), dumpCmd(), rebuildCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDir != "" {
		cfg.Store.Dir = flagDir
	}
	return cfg, nil
}

func storeFile(cfg *config.Config) string {
	return filepath.Join(cfg.Store.Dir, labelscan.StoreFileName)
}

// openStore opens an existing store read-only, deriving the range width
// from the file so no flag is needed.
func openStore(cfg *config.Config) (*labelscan.Store, error) {
	info, err := labelscan.Inspect(storeFile(cfg))
	if err != nil {
		return nil, err
	}
	opts := cfg.StoreOptions()
	opts.ReadOnly = true
	opts.RangeWidth = info.RangeWidth
	opts.PageSize = 0

	store, err := labelscan.New(cfg.Store.Dir, nil, opts, nil, bptree.IgnoringCollector{})
	if err != nil {
		return nil, err
	}
	if err := store.Init(); err != nil {
		return nil, err
	}
	if err := store.Start(); err != nil {
		_ = store.Shutdown()
		return nil, err
	}
	return store, nil
}

func headerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "header",
		Short: "Print the store file's recovery state and metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			info, err := labelscan.Inspect(storeFile(cfg))
			if err != nil {
				return err
			}
			fmt.Printf("file:        %s\n", info.Path)
			fmt.Printf("state:       %s\n", info.State)
			fmt.Printf("range width: %d\n", info.RangeWidth)
			fmt.Printf("page size:   %d\n", info.PageSize)
			fmt.Printf("version:     %d\n", info.Version)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a structural and semantic consistency check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Shutdown()

			faults := 0
			ok, err := store.ConsistencyCheck(labelscan.ConsistencyReporter{
				StructuralFault: func(err error) {
					faults++
					fmt.Printf("structural fault: %v\n", err)
				},
				KeyOrderViolation: func(prev, key []byte) {
					faults++
					fmt.Printf("key order violation: %x after %x\n", key, prev)
				},
				DuplicateKey: func(key []byte) {
					faults++
					fmt.Printf("duplicate key: %x\n", key)
				},
				WrongEntrySize: func(key, value []byte) {
					faults++
					fmt.Printf("wrong entry size: key %d bytes, value %d bytes\n", len(key), len(value))
				},
				ZeroValue: func(label labelscan.LabelID, rangeID uint64) {
					faults++
					fmt.Printf("zero bitset stored for label %d range %d\n", label, rangeID)
				},
			})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("consistency check failed with %d fault(s)", faults)
			}
			fmt.Println("consistent")
			return nil
		},
	}
}

func dumpCmd() *cobra.Command {
	var flagLabel int32
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print (label, range, nodes) entries, optionally for one label",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Shutdown()

			ranges, err := store.AllNodeLabelRanges()
			if err != nil {
				return err
			}
			defer ranges.Close()

			for {
				entry, ok := ranges.Next()
				if !ok {
					return nil
				}
				if flagLabel >= 0 && entry.Label != labelscan.LabelID(flagLabel) {
					continue
				}
				fmt.Printf("label %d range %d nodes %v\n", entry.Label, entry.RangeID, entry.Nodes())
			}
		},
	}
	cmd.Flags().Int32Var(&flagLabel, "label", -1, "only dump this label")
	return cmd
}

func rebuildCmd() *cobra.Command {
	var (
		flagFrom       string
		flagForce      bool
		flagRangeWidth int
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the store from a node store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			file := storeFile(cfg)
			if _, statErr := os.Stat(file); statErr == nil && !flagForce {
				return fmt.Errorf("%s exists; pass --force to drop and rebuild it", file)
			}
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				return err
			}

			nodes, err := nodestore.Open(flagFrom)
			if err != nil {
				return err
			}
			defer nodes.Close()

			opts := cfg.StoreOptions()
			opts.ReadOnly = false
			if flagRangeWidth != 0 {
				opts.RangeWidth = flagRangeWidth
			}

			monitors := labelscan.NewMonitors()
			store, err := labelscan.New(cfg.Store.Dir, nodes, opts, monitors, bptree.ImmediateCollector{})
			if err != nil {
				return err
			}
			monitors.AddListener(labelscan.LogMonitor(store.PartName("rebuild")))
			if err := store.Init(); err != nil {
				return err
			}
			if err := store.Start(); err != nil {
				_ = store.Shutdown()
				return err
			}
			if err := store.Shutdown(); err != nil {
				return err
			}
			fmt.Printf("rebuilt %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagFrom, "from", "", "badger node store directory (required)")
	cmd.Flags().BoolVar(&flagForce, "force", false, "drop an existing store file first")
	cmd.Flags().IntVar(&flagRangeWidth, "range-width", 0, "bits per bitset for the new store (8, 16, 32, 64)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
