// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// unet_checkpoints lists the checkpoints saved by unet_train, and optionally summarizes one of them
// and lists the experiment tracker runs.
//
// Usage:
//
//	unet_checkpoints [-summary=INTERRUPTED] [-tracker_dir=~/.unet/runs] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.String("summary", "",
		"Name of a checkpoint (e.g. INTERRUPTED or checkpoint_epoch_224x224_3) to summarize: global step, "+
			"number of variables and parameters under -scope.")
	flagScope = flag.String("scope", "/unet", "The scope of the variables considered by -summary.")

	flagTrackerDir = flag.String("tracker_dir", "",
		"If set, also lists the experiment tracker runs of -project saved in this directory.")
	flagProject = flag.String("project", "U-Net", "Project of the runs listed with -tracker_dir.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory to read from, got %d arguments. See 'unet_checkpoints -help'.",
			len(args))
		os.Exit(1)
	}
	if err := report(args[0]); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func report(checkpointDir string) error {
	fmt.Println(titleStyle.Render("Checkpoints"))
	listing, err := listCheckpoints(checkpointDir)
	if err != nil {
		return err
	}
	fmt.Println(listing)

	if *flagSummary != "" {
		fmt.Println(titleStyle.Render("Summary"))
		summary, err := summarize(filepath.Join(checkpointDir, *flagSummary), *flagScope)
		if err != nil {
			return err
		}
		fmt.Println(summary)
	}

	if *flagTrackerDir != "" {
		fmt.Println(titleStyle.Render("Runs"))
		runs, err := listRuns(*flagTrackerDir, *flagProject)
		if err != nil {
			return err
		}
		fmt.Println(runs)
	}
	return nil
}
