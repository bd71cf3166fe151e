package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"stash/internal/core"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "stash server base URL")
	flag.Parse()

	targets, err := core.ResolveTargets(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: stash [-server URL] <files or directories>\n")
		os.Exit(1)
	}

	files, err := core.CollectFiles(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := core.NewClient(*server)

	var stored, deduplicated, skipped, failed int
	var bytesAvoided int64

	for _, path := range files {
		result, err := client.Upload(path)
		if err != nil {
			if errors.Is(err, core.ErrUnknownFileType) {
				fmt.Fprintf(os.Stderr, "- %s: skipped (%v)\n", path, err)
				skipped++
				continue
			}
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", path, err)
			failed++
			continue
		}

		if result.Duplicate {
			deduplicated++
			bytesAvoided += result.Size
			fmt.Printf("✓ %s (%s, duplicate of %s)\n",
				result.OriginalFilename, humanizeBytes(result.Size), result.Fingerprint[:12])
		} else {
			stored++
			fmt.Printf("✓ %s (%s, stored)\n",
				result.OriginalFilename, humanizeBytes(result.Size))
		}
	}

	fmt.Printf("\n%d stored, %d deduplicated, %d skipped, %d failed (%s avoided this run)\n",
		stored, deduplicated, skipped, failed, humanizeBytes(bytesAvoided))

	if totals, err := client.TotalSavings(); err == nil {
		fmt.Printf("Server lifetime savings: %s across %d deduplicated uploads\n",
			humanizeBytes(totals.TotalSavings), totals.TotalDeduplicatedFiles)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
