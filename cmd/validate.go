// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vita-vpn/vita-keymgr/config"
)

func validate(_ *cobra.Command, args []string) error {
	failed := 0

	for _, fn := range args {
		var cfgFile config.File

		if err := cfgFile.LoadFile(fn); err != nil {
			failed++
			logger.Error("failed to load config file", "file", fn, "error", err)
			continue
		}

		if err := cfgFile.Validate(); err != nil {
			failed++
			logger.Error("invalid config file", "file", fn, "error", err)
			continue
		}

		logger.Info("config file is valid", "file", fn, "routes", len(cfgFile.Routes))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d config files failed validation", failed, len(args))
	}

	return nil
}
