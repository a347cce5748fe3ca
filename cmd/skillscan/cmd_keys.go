package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"skillscan/internal/keypool"
)

// keysCmd inspects the rotating credential pool
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show credential pool status",
	Long: `Shows how many credentials the pool file holds and where the rotation
cursor currently points. The cursor is shared across processes through a
file lock, so every concurrent batch sees the same rotation order.`,
	RunE: runKeysStatus,
}

var keysResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the rotation cursor to the first credential",
	RunE:  runKeysReset,
}

func init() {
	keysCmd.AddCommand(keysResetCmd)
}

func openPool() *keypool.Pool {
	return keypool.New(cfg.Pool.File, cfg.Pool.CursorFile, cfg.Pool.LockFile)
}

func runKeysStatus(cmd *cobra.Command, args []string) error {
	pool := openPool()

	size, err := pool.Size()
	if err != nil {
		return err
	}
	if size == 0 {
		fmt.Printf("Credential pool %s is empty; audits will use ambient credentials.\n", cfg.Pool.File)
		return nil
	}

	creds, err := pool.Load()
	if err != nil {
		return err
	}
	cursor := pool.Cursor()

	fmt.Printf("Pool: %s (%d credentials)\n", cfg.Pool.File, size)
	for _, c := range creds {
		marker := " "
		if c.Index == cursor {
			marker = ">"
		}
		label := c.Label
		if label == "" {
			label = fmt.Sprintf("key-%d", c.Index)
		}
		fmt.Printf("  %s [%d] %s\n", marker, c.Index, label)
	}
	return nil
}

func runKeysReset(cmd *cobra.Command, args []string) error {
	pool := openPool()
	if err := pool.Reset(); err != nil {
		return err
	}
	fmt.Println("Rotation cursor reset to 0.")
	return nil
}
