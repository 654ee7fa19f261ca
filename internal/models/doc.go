// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package models defines the core data types shared across the sync engine:
// the Product/Variant entity union, per-record sync metadata, queued sync
// items, and persisted sync sessions.
package models
