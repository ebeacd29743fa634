// Command revdb inspects and maintains revdb stores from the command line.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/revdb"
)

const version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "revdb",
		Short: "inspect and maintain revdb stores",
		Long: fmt.Sprintf(`revdb (v%s)

Command-line companion for revdb stores. Opens the store referenced by
--store (a Bolt file) or --journal (a journal directory), replays the
revision logs and works on what it finds.

Every flag can also be set via an environment variable with a REVDB_
prefix (e.g. REVDB_STORE=prod.db), including via .env / .env.local files.`, version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of revdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("revdb v%s\n", version)
		},
	}

	infoCmd = &cobra.Command{
		Use:     "info [database...]",
		Short:   "Summarize databases in the store",
		PreRunE: bindConfig,
		RunE:    runInfo,
	}

	dumpCmd = &cobra.Command{
		Use:     "dump [database...]",
		Short:   "Print schema, rows, views and projections of databases",
		PreRunE: bindConfig,
		RunE:    runDump,
	}

	logCmd = &cobra.Command{
		Use:     "log <database>",
		Short:   "Print the revision log of a database",
		Args:    cobra.ExactArgs(1),
		PreRunE: bindConfig,
		RunE:    runLog,
	}

	verifyCmd = &cobra.Command{
		Use:     "verify [database...]",
		Short:   "Replay every revision and report corruption",
		PreRunE: bindConfig,
		RunE:    runVerify,
	}

	snapshotCmd = &cobra.Command{
		Use:     "snapshot <database>...",
		Short:   "Save state snapshots to speed up future opens",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: bindConfig,
		RunE:    runSnapshot,
	}

	compactCmd = &cobra.Command{
		Use:     "compact <database>...",
		Short:   "Snapshot databases and prune their revision logs",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: bindConfig,
		RunE:    runCompact,
	}

	metricsCmd = &cobra.Command{
		Use:     "metrics",
		Short:   "Open every database and print metrics in Prometheus text format",
		PreRunE: bindConfig,
		RunE:    runMetrics,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(metricsCmd)

	rootCmd.PersistentFlags().String("store", "revdb.db", "path of the Bolt store file")
	rootCmd.PersistentFlags().String("journal", "", "journal store directory (takes precedence over --store)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "log every commit and view refresh")

	dumpCmd.Flags().Bool("schema", false, "dump field schemas")
	dumpCmd.Flags().Bool("rows", false, "dump rows")
	dumpCmd.Flags().Bool("views", false, "dump view configurations")
	dumpCmd.Flags().Bool("projections", false, "dump view projections")
	dumpCmd.Flags().Bool("stats", false, "dump counters")

	logCmd.Flags().Uint64("from", 0, "first sequence number to print (0 = from the floor)")
	logCmd.Flags().Int("limit", 0, "stop after this many revisions (0 = no limit)")
}

// initConfig loads env files and wires environment variables into viper.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("revdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindConfig binds the command's flags (inherited ones included) to viper so
// that flags and env vars resolve uniformly through viper.Get*.
func bindConfig(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func newLogger() (*slog.Logger, error) {
	level, err := parseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", s)
	}
}

func openEngine() (*revdb.Engine, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	var store revdb.SnapshotStore
	if dir := viper.GetString("journal"); dir != "" {
		store, err = revdb.OpenJournalStore(dir, revdb.JournalStoreOptions{
			Logger:  logger,
			Verbose: viper.GetBool("verbose"),
		})
	} else {
		store, err = revdb.OpenBoltStore(viper.GetString("store"), revdb.BoltStoreOptions{})
	}
	if err != nil {
		return nil, err
	}

	eng, err := revdb.Open(store, revdb.Options{
		Logger:  logger,
		Verbose: viper.GetBool("verbose"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return eng, nil
}

// resolveDatabases turns command arguments into database ids, defaulting to
// everything the store knows about.
func resolveDatabases(eng *revdb.Engine, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	names, err := eng.Databases()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New("store has no databases")
	}
	return names, nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	names, err := resolveDatabases(eng, args)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DATABASE\tTAIL\tFLOOR\tFIELDS\tROWS\tVIEWS\tUNDO\tREDO")
	for _, name := range names {
		db, err := eng.DB(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		st := db.Stats()
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			st.DB, st.TailSeq, st.FloorSeq, st.Fields, st.Rows, st.Views, st.UndoDepth, st.RedoDepth)
	}
	return w.Flush()
}

func runDump(cmd *cobra.Command, args []string) error {
	var flags revdb.DumpFlags
	if viper.GetBool("schema") {
		flags |= revdb.DumpSchema
	}
	if viper.GetBool("rows") {
		flags |= revdb.DumpRows
	}
	if viper.GetBool("views") {
		flags |= revdb.DumpViews
	}
	if viper.GetBool("projections") {
		flags |= revdb.DumpProjections
	}
	if viper.GetBool("stats") {
		flags |= revdb.DumpStats
	}
	if flags == 0 {
		flags = revdb.DumpAll
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	names, err := resolveDatabases(eng, args)
	if err != nil {
		return err
	}

	for i, name := range names {
		db, err := eng.DB(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Print(db.Dump(flags))
	}
	return nil
}

var errLogLimit = errors.New("log limit reached")

func runLog(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	db, err := eng.DB(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	from := viper.GetUint64("from")
	if from == 0 {
		from = db.FloorSeq() + 1
	}
	limit := viper.GetInt("limit")

	n := 0
	err = db.Revisions(from, func(rev *revdb.Revision) error {
		t := time.Unix(rev.Time, 0).UTC().Format(time.RFC3339)
		fmt.Printf("%8d  %-7s %-20s base=%-8d %s\n", rev.Seq, rev.Origin, rev.Op.OpKind(), rev.Base, t)
		n++
		if limit > 0 && n >= limit {
			return errLogLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLogLimit) {
		return err
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	names, err := resolveDatabases(eng, args)
	if err != nil {
		return err
	}

	var failed int
	for _, name := range names {
		db, err := eng.DB(name)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", name, err)
			continue
		}
		fmt.Printf("ok    %s (tail %d, floor %d)\n", name, db.TailSeq(), db.FloorSeq())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d databases failed verification", failed, len(names))
	}
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	for _, name := range args {
		db, err := eng.DB(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		seq, err := db.SaveSnapshot()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("%s: snapshot at seq %d\n", name, seq)
	}
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	for _, name := range args {
		db, err := eng.DB(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		floor, err := db.Compact()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("%s: compacted, floor now %d (tail %d)\n", name, floor, db.TailSeq())
	}
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	names, err := eng.Databases()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := eng.DB(name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	eng.WriteMetrics(os.Stdout)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "revdb: %v\n", err)
		os.Exit(1)
	}
}
