// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package google

// Exposed for white-box testing.
var (
	ConvertMessages = convertMessages
	BuildConfig     = buildConfig
	StatusOf        = statusOf
)
