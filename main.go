// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-treesync - Offline-First Project Sync Engine")
	fmt.Println("==================================================")
	fmt.Println()
	fmt.Println("go-treesync keeps hierarchical task projects synchronized between a local")
	fmt.Println("editor and a cloud store: durable offline queueing, optimistic-lock pushes,")
	fmt.Println("three-way merges anchored on base snapshots, and delta sync with watermarks.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 🔀 treesync - sync coordinator, three-way merge engine, delta sync,")
	fmt.Println("   tree validation, HTTP remote and JWT auth")
	fmt.Println()
	fmt.Println("2. 🗄️  treestore - SQLite-backed durable action queue (backoff, dead-letter)")
	fmt.Println("   and base snapshot store with TTL expiry")
	fmt.Println()
	fmt.Println("3. 🐘 pgremote - PostgreSQL-backed remote store with optimistic concurrency")
	fmt.Println("   and a per-entity change log for delta sync")
	fmt.Println()

	fmt.Println("📖 Example (examples/offline_editor/):")
	fmt.Println("   End-to-end flow: edit offline, queue, reconnect, auto-rebase, resolve")
	fmt.Println("   Run: cd examples/offline_editor && go run .")
	fmt.Println()
}
