// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var genManDir string

func genMan(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(genManDir, 0o755); err != nil {
		return err
	}

	return doc.GenManTreeFromOpts(rootCmd, doc.GenManTreeOptions{
		Path:   genManDir,
		Header: &doc.GenManHeader{Title: "VITA", Section: "1"},
	})
}
