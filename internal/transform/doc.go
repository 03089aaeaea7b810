// Package transform defines the shape a row-processing plugin must have to
// run on any engine. Engines configure a transform once with its input
// schema, then push rows through ProcessRow; sources produce rows instead.
package transform
