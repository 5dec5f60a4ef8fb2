package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/datafeedhq/datafeed/internal/config"
	"github.com/datafeedhq/datafeed/internal/exchange"
	"github.com/datafeedhq/datafeed/internal/store"
)

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Inspect the on-disk stores of a stopped server",
		Long: `List archive dataset groups and namespace sizes under a data
directory. The server must not be running against the same directory.`,
		RunE: runDump,
	}
	cmd.Flags().String("datadir", "./var", "Data directory")
	cmd.Flags().Bool("rdb", false, "Inspect the Badger archive backend")
	cmd.Flags().String("config", "", "Path to the YAML config file (for the calendar)")
	return cmd
}

func runDump(cmd *cobra.Command, _ []string) error {
	datadir, _ := cmd.Flags().GetString("datadir")
	rdb, _ := cmd.Flags().GetBool("rdb")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cal, err := exchange.NewCalendar(cfg.Calendar)
	if err != nil {
		return err
	}

	archive, err := store.OpenArchive(datadir, rdb, cal, zerolog.Nop())
	if err != nil {
		return err
	}
	defer archive.Close()

	paths, err := archive.Paths("")
	if err != nil {
		return err
	}
	groups := make(map[string]int)
	for _, p := range paths {
		// day/SYM/2010 → day; minsnap/20101201/SYM → minsnap/20101201
		parts := strings.SplitN(p, "/", 3)
		group := parts[0]
		if group == "minsnap" && len(parts) > 1 {
			group = parts[0] + "/" + parts[1]
		}
		groups[group]++
	}

	fmt.Printf("%s %s   %d datasets\n\n", color.CyanString("archive"), datadir, len(paths))
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"GROUP", "DATASETS"})
	for _, g := range names {
		table.Append([]string{g, fmt.Sprintf("%d", groups[g])})
	}
	table.Render()

	kv, err := store.OpenKVStore(filepath.Join(datadir, "dstore.dump"))
	if err != nil {
		return err
	}
	defer kv.Close()

	fmt.Printf("\n%s dstore.dump\n\n", color.CyanString("kvstore"))
	table = tablewriter.NewTable(os.Stdout)
	table.Header([]string{"NAMESPACE", "KEYS"})
	for _, name := range kv.Namespaces() {
		table.Append([]string{name, fmt.Sprintf("%d", kv.Namespace(name).Len())})
	}
	table.Render()
	return nil
}
