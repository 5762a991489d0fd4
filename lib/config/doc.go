// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the pokem daemon configuration.
//
// Configuration is a single YAML file located via the POKEM_CONFIG
// environment variable or an explicit path. Load returns a fully
// validated Config; code downstream of Load never re-checks required
// fields.
package config
