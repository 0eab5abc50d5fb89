package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/locflow/locflow/internal/cache"
	"github.com/locflow/locflow/internal/codec"
	"github.com/locflow/locflow/internal/cost"
	"github.com/locflow/locflow/internal/csvio"
	"github.com/locflow/locflow/internal/engine"
	"github.com/locflow/locflow/internal/llmclient"
	"github.com/locflow/locflow/internal/pricing"
	"github.com/locflow/locflow/internal/qa"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:], false)
	case "resume":
		runCmd(os.Args[2:], true)
	case "freeze":
		freezeCmd(os.Args[2:])
	case "rehydrate":
		rehydrateCmd(os.Args[2:])
	case "qa":
		qaCmd(os.Args[2:])
	case "cost":
		costCmd(os.Args[2:])
	case "cache":
		cacheCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  locflow run --input <glob.csv> --out <dir> [--source-lang <code>] [--target-lang <code>]")
	fmt.Fprintln(os.Stderr, "              [--schema <schema.yaml>] [--glossary <glossary.yaml>] [--routing <routing.yaml>]")
	fmt.Fprintln(os.Stderr, "              [--scheduler <scheduler.yaml>] [--repair-config <repair.yaml>]")
	fmt.Fprintln(os.Stderr, "              [--cache <file.db>] [--cache-ttl-days <n>] [--cache-max-mb <n>] [--no-cache]")
	fmt.Fprintln(os.Stderr, "              [--forbidden <regex>]... [--best-effort] [--soft-qa]")
	fmt.Fprintln(os.Stderr, "  locflow resume  (same flags as run; picks up step checkpoints)")
	fmt.Fprintln(os.Stderr, "  locflow freeze --input <file.csv> --out <dir> [--schema <schema.yaml>] [--source-lang <code>]")
	fmt.Fprintln(os.Stderr, "  locflow rehydrate --input <translated.csv> --map <placeholder_map.json> --out <file.csv>")
	fmt.Fprintln(os.Stderr, "  locflow qa --draft <draft.csv> --translated <translated.csv> [--schema <schema.yaml>] [--forbidden <regex>]... [--out <report.json>]")
	fmt.Fprintln(os.Stderr, "  locflow cost --trace <events.jsonl> [--pricing <pricing.yaml>] [--json <summary.json>] [--md <report.md>]")
	fmt.Fprintln(os.Stderr, "  locflow cache stats|clear --cache <file.db>")
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "locflow: "+format+"\n", args...)
	os.Exit(code)
}

func need(args []string, i int, flag string) string {
	if i >= len(args) {
		fatalf(2, "%s requires a value", flag)
	}
	return args[i]
}

func atoiFlag(v, flag string) int {
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
		fatalf(2, "%s: bad value %q", flag, v)
	}
	return n
}

func runCmd(args []string, resume bool) {
	opts := engine.Options{Resume: resume}
	var inputGlob string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--input":
			i++
			inputGlob = need(args, i, "--input")
		case "--out":
			i++
			opts.OutputDir = need(args, i, "--out")
		case "--source-lang":
			i++
			opts.SourceLang = need(args, i, "--source-lang")
		case "--target-lang":
			i++
			opts.TargetLang = need(args, i, "--target-lang")
		case "--schema":
			i++
			opts.SchemaPath = need(args, i, "--schema")
		case "--glossary":
			i++
			opts.GlossaryPath = need(args, i, "--glossary")
		case "--routing":
			i++
			opts.RoutingPath = need(args, i, "--routing")
		case "--scheduler":
			i++
			opts.SchedulerPath = need(args, i, "--scheduler")
		case "--repair-config":
			i++
			opts.RepairPath = need(args, i, "--repair-config")
		case "--cache":
			i++
			opts.CachePath = need(args, i, "--cache")
		case "--cache-ttl-days":
			i++
			opts.CacheTTL = time.Duration(atoiFlag(need(args, i, "--cache-ttl-days"), "--cache-ttl-days")) * 24 * time.Hour
		case "--cache-max-mb":
			i++
			opts.CacheMax = int64(atoiFlag(need(args, i, "--cache-max-mb"), "--cache-max-mb")) << 20
		case "--no-cache":
			opts.NoCache = true
		case "--forbidden":
			i++
			opts.Forbidden = append(opts.Forbidden, need(args, i, "--forbidden"))
		case "--best-effort":
			opts.BestEffort = true
		case "--soft-qa":
			opts.SoftQA = true
		default:
			fatalf(2, "unknown flag %q", args[i])
		}
	}
	if inputGlob == "" || opts.OutputDir == "" {
		usage()
		os.Exit(2)
	}
	if opts.RoutingPath == "" {
		opts.RoutingPath = strings.TrimSpace(os.Getenv("LOCFLOW_ROUTING"))
	}

	inputs := expandInputs(inputGlob)
	env, err := llmclient.FromEnv()
	if err != nil {
		fatalf(2, "%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exit := 0
	multi := len(inputs) > 1
	baseOut := opts.OutputDir
	for _, input := range inputs {
		runOpts := opts
		runOpts.InputPath = input
		if multi {
			name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
			runOpts.OutputDir = filepath.Join(baseOut, name)
		}
		code := runOne(ctx, runOpts, env)
		if code > exit {
			exit = code
		}
	}
	os.Exit(exit)
}

func runOne(ctx context.Context, opts engine.Options, env llmclient.Env) int {
	eng, err := engine.New(opts, env, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "locflow: %s: %v\n", opts.InputPath, err)
		return engine.ExitConfig
	}
	defer eng.Close()

	res, err := eng.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "locflow: %s: %v\n", opts.InputPath, err)
	}
	if res.FinalCSV != "" {
		fmt.Printf("%s -> %s\n", opts.InputPath, res.FinalCSV)
	}
	if res.Report != nil && res.Report.HasErrors {
		fmt.Fprintf(os.Stderr, "locflow: %s: %d QA errors (see qa_report.json)\n", opts.InputPath, len(res.Report.Errors))
	}
	return res.ExitCode
}

func expandInputs(pattern string) []string {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		fatalf(2, "bad input pattern %q: %v", pattern, err)
	}
	if len(matches) == 0 {
		// A literal path that exists but contains glob metacharacters in
		// directories still matches above; anything else is an error.
		if _, statErr := os.Stat(pattern); statErr == nil {
			return []string{pattern}
		}
		fatalf(2, "no inputs match %q", pattern)
	}
	return matches
}

func freezeCmd(args []string) {
	var input, outDir, schemaPath, sourceLang string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--input":
			i++
			input = need(args, i, "--input")
		case "--out":
			i++
			outDir = need(args, i, "--out")
		case "--schema":
			i++
			schemaPath = need(args, i, "--schema")
		case "--source-lang":
			i++
			sourceLang = need(args, i, "--source-lang")
		default:
			fatalf(2, "unknown flag %q", args[i])
		}
	}
	if input == "" || outDir == "" {
		usage()
		os.Exit(2)
	}

	schema := codec.DefaultSchema()
	if schemaPath != "" {
		s, warnings, err := codec.LoadSchema(schemaPath)
		if err != nil {
			fatalf(2, "%v", err)
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		schema = s
	}
	in, err := csvio.ReadInput(input)
	if err != nil {
		fatalf(2, "%v", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fatalf(1, "%v", err)
	}

	fz := codec.NewFreezer(schema)
	frozen := make(map[string]string, len(in.Rows))
	for _, r := range in.Rows {
		frozen[r.StringID] = fz.Freeze(r.StringID, r.SourceText, sourceLang)
	}
	for _, w := range fz.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: row %s: %s\n", w.StringID, w.Detail)
	}
	if err := csvio.WriteDraft(filepath.Join(outDir, "draft.csv"), in, frozen); err != nil {
		fatalf(1, "%v", err)
	}
	if err := codec.WriteMap(filepath.Join(outDir, "placeholder_map.json"), fz.BuildMap(input, time.Now())); err != nil {
		fatalf(1, "%v", err)
	}
	ph, tag := fz.Counts()
	fmt.Printf("froze %d rows: %d placeholders, %d tags\n", len(in.Rows), ph, tag)
}

func rehydrateCmd(args []string) {
	var input, mapPath, outPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--input":
			i++
			input = need(args, i, "--input")
		case "--map":
			i++
			mapPath = need(args, i, "--map")
		case "--out":
			i++
			outPath = need(args, i, "--out")
		default:
			fatalf(2, "unknown flag %q", args[i])
		}
	}
	if input == "" || mapPath == "" || outPath == "" {
		usage()
		os.Exit(2)
	}

	m, err := codec.LoadMap(mapPath)
	if err != nil {
		fatalf(2, "%v", err)
	}
	in, err := csvio.ReadInput(input)
	if err != nil {
		fatalf(2, "%v", err)
	}
	targetCol := csvio.TargetColumn(in.Header)
	if targetCol == "" {
		fatalf(2, "no target column in %s", input)
	}
	targets, err := csvio.ReadColumn(input, targetCol)
	if err != nil {
		fatalf(2, "%v", err)
	}
	tokCol := csvio.TokenizedColumnIn(in.Header)
	tokenized := map[string]string{}
	if tokCol != "" {
		tokenized, err = csvio.ReadColumn(input, tokCol)
		if err != nil {
			fatalf(2, "%v", err)
		}
	}

	// All-or-nothing: any unknown token aborts before any output exists.
	out := make(map[string]string, len(targets))
	for id, text := range targets {
		r, err := codec.Rehydrate(id, text, m.Mappings)
		if err != nil {
			fatalf(1, "%v", err)
		}
		out[id] = r
	}
	if err := csvio.WriteTranslated(outPath, in, tokenized, out, targetCol); err != nil {
		fatalf(1, "%v", err)
	}
	fmt.Printf("rehydrated %d rows -> %s\n", len(out), outPath)
}

func qaCmd(args []string) {
	var draft, translated, schemaPath, outPath string
	var forbidden []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--draft":
			i++
			draft = need(args, i, "--draft")
		case "--translated":
			i++
			translated = need(args, i, "--translated")
		case "--schema":
			i++
			schemaPath = need(args, i, "--schema")
		case "--forbidden":
			i++
			forbidden = append(forbidden, need(args, i, "--forbidden"))
		case "--out":
			i++
			outPath = need(args, i, "--out")
		default:
			fatalf(2, "unknown flag %q", args[i])
		}
	}
	if draft == "" || translated == "" {
		usage()
		os.Exit(2)
	}

	schema := codec.DefaultSchema()
	if schemaPath != "" {
		s, _, err := codec.LoadSchema(schemaPath)
		if err != nil {
			fatalf(2, "%v", err)
		}
		schema = s
	}
	in, err := csvio.ReadInput(draft)
	if err != nil {
		fatalf(2, "%v", err)
	}
	tokCol := csvio.TokenizedColumnIn(in.Header)
	if tokCol == "" {
		fatalf(2, "no tokenized column in %s", draft)
	}
	frozen, err := csvio.ReadColumn(draft, tokCol)
	if err != nil {
		fatalf(2, "%v", err)
	}
	tin, err := csvio.ReadInput(translated)
	if err != nil {
		fatalf(2, "%v", err)
	}
	targetCol := csvio.TargetColumn(tin.Header)
	if targetCol == "" {
		fatalf(2, "no target column in %s", translated)
	}
	targets, err := csvio.ReadColumn(translated, targetCol)
	if err != nil {
		fatalf(2, "%v", err)
	}

	v, err := qa.NewValidator(schema, forbidden)
	if err != nil {
		fatalf(2, "%v", err)
	}
	checked := make([]qa.Checked, 0, len(in.Rows))
	for i, r := range in.Rows {
		checked = append(checked, qa.FromRow(i+1, r, frozen[r.StringID], targets[r.StringID]))
	}
	rep := v.Validate(checked, translated, false)
	if outPath != "" {
		if err := qa.WriteReport(rep, outPath); err != nil {
			fatalf(1, "%v", err)
		}
	}
	fmt.Printf("checked %d rows: %d errors\n", rep.TotalRows, len(rep.Errors))
	if rep.HasErrors {
		os.Exit(1)
	}
}

func costCmd(args []string) {
	var tracePath, pricingPath, jsonPath, mdPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--trace":
			i++
			tracePath = need(args, i, "--trace")
		case "--pricing":
			i++
			pricingPath = need(args, i, "--pricing")
		case "--json":
			i++
			jsonPath = need(args, i, "--json")
		case "--md":
			i++
			mdPath = need(args, i, "--md")
		default:
			fatalf(2, "unknown flag %q", args[i])
		}
	}
	if tracePath == "" {
		usage()
		os.Exit(2)
	}
	if pricingPath == "" {
		pricingPath = strings.TrimSpace(os.Getenv("LOCFLOW_PRICING"))
	}

	book := &pricing.Book{}
	if pricingPath != "" {
		b, err := pricing.Load(pricingPath)
		if err != nil {
			fatalf(2, "%v", err)
		}
		book = b
	}
	sum, err := cost.NewAggregator(book).AggregateFile(tracePath)
	if err != nil {
		fatalf(1, "%v", err)
	}
	if jsonPath != "" {
		if err := sum.WriteJSON(jsonPath); err != nil {
			fatalf(1, "%v", err)
		}
	}
	if mdPath != "" {
		if err := os.WriteFile(mdPath, []byte(sum.Markdown()), 0o644); err != nil {
			fatalf(1, "%v", err)
		}
	}
	if jsonPath == "" && mdPath == "" {
		fmt.Print(sum.Markdown())
	}
}

func cacheCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	action := args[0]
	var cachePath string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--cache":
			i++
			cachePath = need(args, i, "--cache")
		default:
			fatalf(2, "unknown flag %q", args[i])
		}
	}
	if cachePath == "" {
		usage()
		os.Exit(2)
	}
	store, err := cache.Open(cachePath, cache.Options{})
	if err != nil {
		fatalf(2, "%v", err)
	}
	defer store.Close()

	switch action {
	case "stats":
		fmt.Printf("size_bytes=%d\n", store.SizeBytes())
	case "clear":
		if err := store.Clear(); err != nil {
			fatalf(1, "%v", err)
		}
		fmt.Println("cache cleared")
	default:
		usage()
		os.Exit(2)
	}
}
