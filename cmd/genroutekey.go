// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	vita "github.com/vita-vpn/vita-keymgr"
)

var genRouteKeyOut string

func genRouteKey(_ *cobra.Command, _ []string) error {
	psk, err := vita.GeneratePresharedKey()
	if err != nil {
		return fmt.Errorf("failed to generate pre-shared key: %w", err)
	}

	encoded := hex.EncodeToString(psk[:])

	if genRouteKeyOut == "" {
		fmt.Println(encoded)
		return nil
	}

	if _, err := os.Stat(genRouteKeyOut); err == nil && !force {
		return fmt.Errorf("file %q already exists, use --force to overwrite", genRouteKeyOut)
	}

	if err := os.WriteFile(genRouteKeyOut, []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write %q: %w", genRouteKeyOut, err)
	}

	return nil
}
