// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
)

// exportNumpy writes a snapshot's embedding (pca or umap) as a 2D
// float64 .npy array, one row per cell.
type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	embedding := flags.String("embedding", "umap", "`embedding` to export: pca or umap")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *embedding != "pca" && *embedding != "umap" {
		err = paramErrorf("embedding", "want pca or umap, got %q", *embedding)
		return 2
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	m, err := ReadSnapshot(input)
	if err != nil {
		return 1
	}
	emb := m.UMAP
	if *embedding == "pca" {
		emb = m.PCA
	}
	if emb == nil {
		err = dataErrorf("export", "", "snapshot has no %s embedding", *embedding)
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = WriteEmbeddingNpy(bufw, emb)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
