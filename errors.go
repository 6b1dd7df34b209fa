// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import "fmt"

// DataError indicates malformed or unusable input data (empty matrix,
// duplicate barcodes, zero cells surviving a filter). It is fatal: the
// pipeline aborts at the stage that detected it.
type DataError struct {
	Stage  string
	Cohort string
	Msg    string
}

func (e *DataError) Error() string {
	if e.Cohort != "" {
		return fmt.Sprintf("%s: cohort %s: %s", e.Stage, e.Cohort, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
}

func dataErrorf(stage, cohort, format string, args ...interface{}) error {
	return &DataError{Stage: stage, Cohort: cohort, Msg: fmt.Sprintf(format, args...)}
}

// ParameterError indicates an invalid configuration value. It is raised
// before any computation starts.
type ParameterError struct {
	Param string
	Msg   string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Msg)
}

func paramErrorf(param, format string, args ...interface{}) error {
	return &ParameterError{Param: param, Msg: fmt.Sprintf(format, args...)}
}

// DegeneracyError indicates a statistically degenerate unit of work (a
// cohort too small for the doublet sweep, a gene set emptied by size
// filtering). Callers may skip the affected unit, but must record it in
// the audit output.
type DegeneracyError struct {
	Stage  string
	Cohort string
	Msg    string
}

func (e *DegeneracyError) Error() string {
	if e.Cohort != "" {
		return fmt.Sprintf("%s: cohort %s: %s", e.Stage, e.Cohort, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
}

func degeneracyErrorf(stage, cohort, format string, args ...interface{}) error {
	return &DegeneracyError{Stage: stage, Cohort: cohort, Msg: fmt.Sprintf(format, args...)}
}
