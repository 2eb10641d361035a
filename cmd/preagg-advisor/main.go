package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"pricing-analytics/internal/logger"
	"pricing-analytics/internal/model"
	"pricing-analytics/internal/preagg"
)

type options struct {
	Catalog  string `short:"c" long:"catalog" description:"catalog file (YAML or JSON); the built-in catalog when empty"`
	Queries  string `short:"q" long:"queries" description:"JSON array of compiled queries, - for stdin" required:"true"`
	Overlaps bool   `short:"o" long:"overlaps" description:"also print catalog definitions subsumed by another one"`
	Strict   bool   `short:"s" long:"strict" description:"exit with status 2 when a query matches no pre-aggregation"`
	Debug    bool   `short:"d" long:"debug" description:"log every analysis to stderr"`
}

type reportLine struct {
	Index  int                 `json:"index"`
	Report model.AdvisorReport `json:"report"`
}

type overlapLine struct {
	Overlaps []preagg.Overlap `json:"overlaps"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "preagg-advisor"
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	log := zerolog.Nop()
	if opts.Debug {
		log = logger.New("development").Output(zerolog.ConsoleWriter{Out: stderr, NoColor: true})
	}

	catalog := preagg.DefaultCatalog()
	if opts.Catalog != "" {
		var err error
		if catalog, err = preagg.LoadCatalog(opts.Catalog); err != nil {
			fmt.Fprintf(stderr, "load catalog: %v\n", err)
			return 1
		}
	}

	queries, err := readQueries(opts.Queries, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "read queries: %v\n", err)
		return 1
	}

	advisor := preagg.NewAdvisor(catalog, log)
	enc := json.NewEncoder(stdout)
	unmatched := 0
	for i, q := range queries {
		report := advisor.Analyze(q)
		if report.Match == "" {
			unmatched++
		}
		if err := enc.Encode(reportLine{Index: i, Report: report}); err != nil {
			fmt.Fprintf(stderr, "write report: %v\n", err)
			return 1
		}
	}

	if opts.Overlaps {
		overlaps := catalog.Overlaps()
		if overlaps == nil {
			overlaps = []preagg.Overlap{}
		}
		if err := enc.Encode(overlapLine{Overlaps: overlaps}); err != nil {
			fmt.Fprintf(stderr, "write overlaps: %v\n", err)
			return 1
		}
	}

	if opts.Strict && unmatched > 0 {
		fmt.Fprintf(stderr, "%d of %d queries match no pre-aggregation in catalog %s\n", unmatched, len(queries), catalog.Version)
		return 2
	}
	return 0
}

func readQueries(path string, stdin io.Reader) ([]model.Query, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var queries []model.Query
	if err := json.NewDecoder(r).Decode(&queries); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return queries, nil
}
