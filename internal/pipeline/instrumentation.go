package pipeline

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/chorus/internal/pipeline"

var tracer = otel.Tracer(scopeName)
