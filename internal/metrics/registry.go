// Copyright (C) 2025 The Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics exposes the SDK's Prometheus instrumentation. Components
// register collectors against Registry at init time; a Server from
// NewServer (or an embedding application) exposes them over /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dkls_sdk"

// Registry is the collector registry every promauto metric in this package
// (and its call sites) registers against, instead of the global default
// registry, so tests can spin up isolated instances if needed.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
