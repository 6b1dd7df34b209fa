// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// runcmd is the end-to-end pipeline command: two matrix directories in,
// audit/DE/enrichment tables and a dataset snapshot out.
type runcmd struct {
	cfg         PipelineConfig
	wtDir       string
	koDir       string
	outputDir   string
	pathwayFile string
	mappingFile string
	mergeSpecs  stringSliceFlag
}

type stringSliceFlag []string

func (f *stringSliceFlag) String() string { return fmt.Sprintf("%v", []string(*f)) }

func (f *stringSliceFlag) Set(s string) error {
	*f = append(*f, s)
	return nil
}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	cmd.cfg = DefaultPipelineConfig()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.wtDir, "wt", "", "wild-type matrix `directory` (barcodes/features/matrix)")
	flags.StringVar(&cmd.koDir, "ko", "", "knockout matrix `directory`")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory` for tables and snapshot")
	flags.StringVar(&cmd.pathwayFile, "pathways", "", "pathway sets in GMT `file` (optional)")
	flags.StringVar(&cmd.mappingFile, "ortholog-map", "", "two-column symbol,identifier CSV `file` (optional)")
	flags.Var(&cmd.mergeSpecs, "merge-labels", "merge annotation subclass `from=to` (repeatable)")
	loglevel := flags.String("loglevel", "info", "logging `level` (debug, info, ...)")
	cmd.cfg.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if cmd.wtDir == "" || cmd.koDir == "" {
		err = fmt.Errorf("-wt and -ko directories are required")
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	err = cmd.run()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *runcmd) run() error {
	merge, err := ParseLabelMerge(cmd.mergeSpecs)
	if err != nil {
		return err
	}
	var mapper SymbolMapper
	var pathways []PathwaySet
	if cmd.mappingFile != "" {
		mapper, err = LoadSymbolMap(cmd.mappingFile)
		if err != nil {
			return err
		}
	}
	if cmd.pathwayFile != "" {
		if mapper == nil {
			return paramErrorf("pathways", "-pathways requires -ortholog-map")
		}
		pathways, err = LoadGMT(cmd.pathwayFile)
		if err != nil {
			return err
		}
	}

	wt, err := LoadMatrixDir(cmd.wtDir, "WT", "WT", cmd.cfg.MinCells)
	if err != nil {
		return err
	}
	ko, err := LoadMatrixDir(cmd.koDir, "KO", "KO", cmd.cfg.MinCells)
	if err != nil {
		return err
	}

	res, err := RunPipeline(wt, ko, cmd.cfg, nil, merge, mapper, pathways)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cmd.outputDir, 0777); err != nil {
		return err
	}
	if err := cmd.writeCSV("qc_audit.csv", func(w io.Writer) error {
		return WriteQCAudit(w, res.QCAudits)
	}); err != nil {
		return err
	}
	if err := cmd.writeCSV("doublet_audit.csv", func(w io.Writer) error {
		return WriteDoubletAudit(w, res.DoubletAudits)
	}); err != nil {
		return err
	}
	if err := cmd.writeCSV("de_KO_vs_WT.csv", func(w io.Writer) error {
		return WriteDEResults(w, res.GlobalDE)
	}); err != nil {
		return err
	}
	for label, de := range res.DEByLabel {
		label, de := label, de
		name := fmt.Sprintf("de_KO_vs_WT.%s.csv", sanitizeFilename(label))
		if err := cmd.writeCSV(name, func(w io.Writer) error {
			return WriteDEResults(w, de)
		}); err != nil {
			return err
		}
	}
	for label, reason := range res.SkippedLabels {
		log.WithFields(log.Fields{"label": label, "reason": reason}).Warn("comparison skipped")
	}
	if len(res.Enrichment) > 0 || len(res.SkippedSets) > 0 {
		if err := cmd.writeCSV("enrichment.csv", func(w io.Writer) error {
			return WriteEnrichment(w, res.Enrichment)
		}); err != nil {
			return err
		}
		for set, reason := range res.SkippedSets {
			log.WithFields(log.Fields{"pathway": set, "reason": reason}).Warn("pathway skipped")
		}
	}

	f, err := os.OpenFile(filepath.Join(cmd.outputDir, "dataset.gob.gz"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	fingerprint, err := res.Final.WriteSnapshot(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"snapshot": f.Name(), "fingerprint": fingerprint}).Info("wrote dataset snapshot")
	return nil
}

func (cmd *runcmd) writeCSV(name string, write func(io.Writer) error) error {
	f, err := os.OpenFile(filepath.Join(cmd.outputDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sanitizeFilename(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '/', '\\', ' ', ':':
			out[i] = '_'
		}
	}
	return string(out)
}
