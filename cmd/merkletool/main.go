// Copyright 2025 Certen Protocol
//
// Command merkletool is the offline companion to snapshotd: given data
// blocks on the command line, from a file, or from a directory walk, it
// builds a Merkle tree, prints its JSON body and root hash, and can verify
// an inclusion proof for one of the inputs.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/certen-labs/merkle-snapshot/pkg/tree"
	"github.com/certen-labs/merkle-snapshot/pkg/walker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("merkletool", flag.ContinueOnError)
	inputFile := fs.String("input-file", "", "read newline-separated data blocks from this file")
	directory := fs.String("directory", "", "build the tree over every file under this directory")
	outputFile := fs.String("output-file", "", "write the tree JSON to this file instead of stdout")
	pretty := fs.Bool("pretty", false, "pretty-print the tree JSON")
	verify := fs.String("verify", "", "after building, emit an inclusion proof and verdict for this data block")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	items, mode, err := gatherItems(fs.Args(), *inputFile, *directory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	t, err := tree.Build(items, mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if err := emitTree(t, *outputFile, *pretty); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("Merkle Root: %s\n", t.Root())

	if *verify != "" {
		return runVerify(t, *verify, mode)
	}
	return 0
}

func gatherItems(positional []string, inputFile, directory string) ([]string, tree.Mode, error) {
	switch {
	case directory != "":
		w := walker.New()
		files, err := w.Walk(directory, 0)
		if err != nil {
			return nil, tree.ModeData, err
		}
		return files, tree.ModeFiles, nil

	case inputFile != "":
		items, err := readLines(inputFile)
		if err != nil {
			return nil, tree.ModeData, err
		}
		return items, tree.ModeData, nil

	default:
		if len(positional) == 0 {
			return nil, tree.ModeData, fmt.Errorf("no data blocks given: pass positional arguments, -input-file, or -directory")
		}
		return positional, tree.ModeData, nil
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s contains no data blocks", path)
	}
	return lines, nil
}

func emitTree(t *tree.Tree, outputFile string, pretty bool) error {
	var raw []byte
	var err error
	if pretty {
		raw, err = json.MarshalIndent(t.Body(), "", "  ")
	} else {
		raw, err = json.Marshal(t.Body())
	}
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}

	if outputFile == "" {
		fmt.Println(string(raw))
		return nil
	}
	if err := os.WriteFile(outputFile, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outputFile, err)
	}
	fmt.Printf("Tree written to %s\n", outputFile)
	return nil
}

func runVerify(t *tree.Tree, target string, mode tree.Mode) int {
	proof, err := t.Proof(target, mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	raw, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Println(string(raw))

	ok, err := tree.Verify(target, mode, proof, t.Root())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if ok {
		fmt.Println("VALID")
		return 0
	}
	fmt.Println("INVALID")
	return 1
}
