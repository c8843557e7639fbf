package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsTail   int
)

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show")
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs <execution-process-id>",
	Short: "Show the raw log lines for an execution process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		processID := args[0]
		if _, ok := st.GetExecutionProcess(processID); !ok {
			return fmt.Errorf("unknown execution process %q", processID)
		}

		printed := printNewLines(st.ReadLogLines(processID), 0, logsTail)
		if !logsFollow {
			return nil
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-sigCh:
				fmt.Println()
				return nil
			case <-time.After(500 * time.Millisecond):
				printed = printNewLines(st.ReadLogLines(processID), printed, -1)
			}
		}
	},
}

// printNewLines prints every line of lines not yet seen (the first
// `already` of them), trimming the very first call to the last `tail`
// lines when tail >= 0, and returns the total line count seen so far so
// the next call knows where to resume.
func printNewLines(lines []string, already int, tail int) int {
	start := already
	if already == 0 && tail >= 0 && len(lines) > tail {
		start = len(lines) - tail
	}
	if start > len(lines) {
		start = len(lines)
	}
	for _, l := range lines[start:] {
		fmt.Println(l)
	}
	return len(lines)
}
