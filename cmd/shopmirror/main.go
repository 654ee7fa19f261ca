// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Command shopmirror synchronizes a local catalog mirror with a remote
// store. It detects changed records, queues them by priority, and dispatches
// batched writes with retries, checkpointing its progress so interrupted
// runs resume cleanly.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
