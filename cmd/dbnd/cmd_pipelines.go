// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalebinn/dbnd/pkg/ux"
)

// runPipelinesCommand lists every registered definition with its
// parameters, defaults, and outputs.
func runPipelinesCommand(cmd *cobra.Command, args []string) {
	reg := defaultRegistry()
	names := reg.Names()

	ux.Title(fmt.Sprintf("Registered definitions (%d)", len(names)))
	for _, name := range names {
		def, err := reg.Get(name)
		if err != nil {
			continue
		}

		kind := "task"
		if def.IsPipeline() {
			kind = "pipeline"
		}
		header := fmt.Sprintf("%s  [%s]", def.Name(), kind)
		if def.Delegated() {
			header += fmt.Sprintf("  engine=%s", def.Engine())
		}
		fmt.Println()
		ux.Info(header)

		for _, p := range def.Params() {
			var attrs []string
			if p.Output {
				attrs = append(attrs, "output")
			} else if p.Required {
				attrs = append(attrs, "required")
			} else {
				attrs = append(attrs, fmt.Sprintf("default=%v", p.Default))
			}
			ux.Muted(fmt.Sprintf("    %-16s %-10s %s", p.Name, p.Type.String(), strings.Join(attrs, " ")))
		}
	}
}
