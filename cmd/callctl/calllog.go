package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/calllog"
	"github.com/arzzra/callctl/pkg/config"
)

var calllogCmd = &cobra.Command{
	Use:   "calllog",
	Short: "Inspect and edit the call history",
}

var calllogListCmd = &cobra.Command{
	Use:   "list [dialed|received|missed|all]",
	Short: "List call history, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCalllogList,
}

var calllogDeleteCmd = &cobra.Command{
	Use:   "delete <number> <type>",
	Short: "Delete a history record by number and type",
	Args:  cobra.ExactArgs(2),
	RunE:  runCalllogDelete,
}

var calllogClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every history record",
	Args:  cobra.NoArgs,
	RunE:  runCalllogClear,
}

func init() {
	rootCmd.AddCommand(calllogCmd)
	calllogCmd.AddCommand(calllogListCmd, calllogDeleteCmd, calllogClearCmd)
}

// loadConfig читает конфигурацию. Отсутствующий файл дает конфигурацию
// по умолчанию.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openCallLog() (*calllog.Log, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.CallLogPath() == "" {
		return nil, fmt.Errorf("call log path is not configured")
	}
	return calllog.Open(cfg.CallLogPath(), calllog.WithMaxRecords(cfg.CallLogMax()))
}

func runCalllogList(cmd *cobra.Command, args []string) error {
	t := callctl.CallTypeAll
	if len(args) == 1 {
		var ok bool
		if t, ok = callctl.ParseCallType(args[0]); !ok {
			return fmt.Errorf("unknown call type %q", args[0])
		}
	}

	l, err := openCallLog()
	if err != nil {
		return err
	}
	return printRecords(cmd.OutOrStdout(), l.ListByType(t))
}

func printRecords(w io.Writer, records []calllog.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNUMBER\tNAME\tTIME\tDURATION\tCOUNT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.Type, r.Number, r.Name, r.Time.Format("2006-01-02 15:04:05"), r.Duration.Round(1e9), r.Count)
	}
	return tw.Flush()
}

func runCalllogDelete(cmd *cobra.Command, args []string) error {
	t, ok := callctl.ParseCallType(args[1])
	if !ok || t == callctl.CallTypeAll {
		return fmt.Errorf("unknown call type %q", args[1])
	}

	l, err := openCallLog()
	if err != nil {
		return err
	}
	if !l.Delete(args[0], t) {
		return fmt.Errorf("no %s record for %s", t, args[0])
	}
	return l.Save()
}

func runCalllogClear(cmd *cobra.Command, args []string) error {
	l, err := openCallLog()
	if err != nil {
		return err
	}
	l.Clear()
	return l.Save()
}
