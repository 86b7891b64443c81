package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/taskforge/internal/adapter/classifierhttp"
	"github.com/Strob0t/taskforge/internal/adapter/heuristic"
	"github.com/Strob0t/taskforge/internal/port/classifier"
)

// runClassify prints a verdict for each description argument. With --url
// the descriptions go to a remote classifier in one batch request.
func runClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	url := fs.String("url", "", "remote classifier base URL (default: built-in heuristic)")
	timeout := fs.Duration("timeout", 10*time.Second, "remote classifier timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	descriptions := fs.Args()
	if len(descriptions) == 0 {
		return errors.New("usage: taskforge classify [--url URL] <description>...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Second)
	defer cancel()

	var (
		results []classifier.Classification
		err     error
	)
	if *url != "" {
		results, err = classifierhttp.NewClient(*url, *timeout).ClassifyBatch(ctx, descriptions)
	} else {
		results, err = classifyLocal(ctx, descriptions)
	}
	if err != nil {
		return err
	}

	return printClassifications(os.Stdout, descriptions, results)
}

func classifyLocal(ctx context.Context, descriptions []string) ([]classifier.Classification, error) {
	h := heuristic.New()
	out := make([]classifier.Classification, 0, len(descriptions))
	for _, d := range descriptions {
		c, err := h.Classify(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func printClassifications(w io.Writer, descriptions []string, results []classifier.Classification) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCOMPLEXITY\tCONFIDENCE\tSTRATEGY\tTOKENS\tDESCRIPTION")
	for i, c := range results {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%d\t%s\n",
			c.Type, c.Complexity, c.Confidence, c.SuggestedStrategy, c.EstimatedTokens, truncate(descriptions[i], 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
