package graph

import "errors"

// ErrMalformedInput is returned when a raw description is not parseable
// structured data. It is the only error a build can fail with: dangling
// and duplicate edges are dropped without being reported.
var ErrMalformedInput = errors.New("malformed graph description")
