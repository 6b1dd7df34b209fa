// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

// statscmd summarizes a dataset snapshot as JSON.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
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
	err = cmd.doStats(input, bufw)
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

func (cmd *statscmd) doStats(input io.Reader, output io.Writer) error {
	m, err := ReadSnapshot(input)
	if err != nil {
		return err
	}
	var ret struct {
		Cells            int
		Genes            int
		CellsByCohort    map[string]int
		Clusters         int
		CellsByCluster   map[string]int
		CellsByType      map[string]int  `json:",omitempty"`
		Doublets         map[string]int  `json:",omitempty"`
		VariableFeatures int             `json:",omitempty"`
		PCAComponents    int             `json:",omitempty"`
		HasUMAP          bool
	}
	ret.Cells = m.NCells()
	ret.Genes = m.NGenes()
	ret.CellsByCohort = map[string]int{}
	ret.CellsByCluster = map[string]int{}
	for i := range m.Cells {
		c := &m.Cells[i]
		ret.CellsByCohort[c.Genotype]++
		if c.Cluster >= 0 {
			ret.CellsByCluster[fmt.Sprintf("cluster%d", c.Cluster)]++
			if c.Cluster+1 > ret.Clusters {
				ret.Clusters = c.Cluster + 1
			}
		}
		if c.CellType != "" {
			if ret.CellsByType == nil {
				ret.CellsByType = map[string]int{}
			}
			ret.CellsByType[c.CellType]++
		}
		if c.Doublet != "" {
			if ret.Doublets == nil {
				ret.Doublets = map[string]int{}
			}
			ret.Doublets[c.Doublet]++
		}
	}
	ret.VariableFeatures = len(m.VariableFeatures)
	if m.PCA != nil {
		_, ret.PCAComponents = m.PCA.Dims()
	}
	ret.HasUMAP = m.UMAP != nil

	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}
