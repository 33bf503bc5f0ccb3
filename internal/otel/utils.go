// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package otel

import (
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

// Request span attributes, the body keys are shared with otelhttp.
const (
	ReadBytesKey  = otelhttp.ReadBytesKey
	ReadErrorKey  = otelhttp.ReadErrorKey
	WroteBytesKey = otelhttp.WroteBytesKey
	WriteErrorKey = otelhttp.WriteErrorKey

	UsernameKey      = attribute.Key("zencond.username")       // subject of the bearer token
	TenantKey        = attribute.Key("zencond.tenant")         // tenant of an evaluate request
	CorrelationIdKey = attribute.Key("zencond.correlation_id") // X-Correlation-Id of the request
)

// used by middleware to create context key for configured transfer headers
type TransferHeaderKey string
