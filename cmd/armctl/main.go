// armctl inspects and migrates persisted arm-state snapshots, mirroring the
// store backends the server supports. It is an operator tool; the server
// never shells out to it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterlab/arbiter/internal/store"
)

var (
	storeBackend string
	storePath    string
	redisAddr    string
	redisPass    string
	redisDB      int
	postgresConn string
)

func main() {
	root := &cobra.Command{
		Use:   "armctl",
		Short: "Inspect and migrate persisted arm-state snapshots",
	}
	root.PersistentFlags().StringVar(&storeBackend, "store", "memory", "store backend: memory|redis|postgres")
	root.PersistentFlags().StringVar(&storePath, "path", "data/arms.json", "memory store file path")
	root.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	root.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	root.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	root.PersistentFlags().StringVar(&postgresConn, "postgres-conn", "", "Postgres connection string")

	root.AddCommand(statusCmd(), exportCmd(), restoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (store.Store, error) {
	switch storeBackend {
	case "memory":
		return store.NewMemoryStore(storePath), nil
	case "redis":
		return store.NewRedisStore(redisAddr, redisPass, redisDB)
	case "postgres":
		return store.NewPostgresStore(postgresConn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the stored snapshot per arm",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			snap, err := st.Load(ctx)
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Println("no snapshot stored")
				return nil
			}

			fmt.Printf("saved at %s, %d arms\n", snap.SavedAt.Format(time.RFC3339), len(snap.Arms))
			ids := make([]string, 0, len(snap.Arms))
			for id := range snap.Arms {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				a := snap.Arms[id]
				fmt.Printf("  %-32s pulls=%-8d reward=%.3f latency=%.3fs cost=$%.4f successes=%d\n",
					id, a.Pulls, a.MeanReward, a.MeanLatency, a.MeanCost, a.Successes)
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored snapshot to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			snap, err := st.Load(ctx)
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("no snapshot stored")
			}

			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return err
			}
			fmt.Printf("exported %d arms to %s\n", len(snap.Arms), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "arms-snapshot.json", "output file")
	return cmd
}

func restoreCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Write a JSON snapshot file into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			var snap store.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("parse snapshot %s: %w", in, err)
			}
			if snap.SavedAt.IsZero() {
				snap.SavedAt = time.Now()
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := st.Save(ctx, &snap); err != nil {
				return err
			}
			fmt.Printf("restored %d arms from %s\n", len(snap.Arms), in)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "arms-snapshot.json", "input file")
	return cmd
}
