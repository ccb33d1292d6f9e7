package main

// push-articles replays article records onto the articles queue, standing
// in for the crawler: each input line is one article JSON object
// {"id": ..., "title": ..., "description": ...}.

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Antoine-Prieur/smart-news-ml/platform"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	file := flag.String("file", "-", "file of article JSON lines ('-' for stdin)")
	flag.Parse()

	cfg := platform.Defaults()
	if err := cfg.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open input:", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	ctx := context.Background()
	publisher, err := platform.NewArticlePublisher(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		return 1
	}
	defer func() { _ = publisher.Close() }()

	pushed, skipped := 0, 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var article models.ArticlePayload
		if err := json.Unmarshal(line, &article); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed article line: %v\n", err)
			skipped++
			continue
		}
		if err := publisher.Publish(ctx, article); err != nil {
			fmt.Fprintln(os.Stderr, "push:", err)
			return 1
		}
		pushed++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "read input:", err)
		return 1
	}

	fmt.Printf("pushed %d articles to %s (%d skipped)\n", pushed, cfg.QueueArticles, skipped)
	return 0
}
