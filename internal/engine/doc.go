// Package engine defines the transformation and schema-validation
// collaborators used by pipelines, and ships an implementation that drives
// the libxslt/libxml2 command-line tools.
//
// Ownership boundary:
// - Engine, Stylesheet and Schema contracts
// - compile-time source checks
// - line-number annotation of input documents
// - exec-backed engine (xsltproc, xmllint)
package engine
