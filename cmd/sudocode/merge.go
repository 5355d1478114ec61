package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/jsonlmerge"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// merge is the git merge driver for .sudocode JSONL files: it three-way
// merges base/ours/theirs and writes the result over ours (or --output).
func merge(args []string) {
	var basePath, oursPath, theirsPath, outPath string
	kind := entity.KindIssue

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--base":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--base requires a value")
				os.Exit(1)
			}
			basePath = args[i]
		case "--ours":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--ours requires a value")
				os.Exit(1)
			}
			oursPath = args[i]
		case "--theirs":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--theirs requires a value")
				os.Exit(1)
			}
			theirsPath = args[i]
		case "--output":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--output requires a value")
				os.Exit(1)
			}
			outPath = args[i]
		case "--kind":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--kind requires a value")
				os.Exit(1)
			}
			switch args[i] {
			case "issue":
				kind = entity.KindIssue
			case "spec":
				kind = entity.KindSpec
			default:
				fmt.Fprintf(os.Stderr, "unknown kind %q\n", args[i])
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if basePath == "" || oursPath == "" || theirsPath == "" {
		usage()
		os.Exit(1)
	}
	if outPath == "" {
		outPath = oursPath
	}

	base, err := readEntities(basePath, kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read base: %v\n", err)
		os.Exit(1)
	}
	ours, err := readEntities(oursPath, kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read ours: %v\n", err)
		os.Exit(1)
	}
	theirs, err := readEntities(theirsPath, kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read theirs: %v\n", err)
		os.Exit(1)
	}

	merged := jsonlmerge.MergeThreeWay(base, ours, theirs)

	file, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write result: %v\n", err)
		os.Exit(1)
	}
	err = entity.WriteJSONL(file, merged)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "write result: %v\n", err)
		os.Exit(1)
	}
}

func readEntities(path string, kind entity.Kind) ([]entity.Entity, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return entity.ReadJSONL(file, kind)
}

// export regenerates the JSONL files from the cache, for checking into git.
func export(args []string) {
	dir := "."
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	ctx := context.Background()
	st, err := store.Bootstrap(ctx, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.ExportJSONL(ctx, filepath.Join(dir, ".sudocode")); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		os.Exit(1)
	}
}
