// Package simpleoutput provides a reusable library for ingesting uploaded
// scan artifacts (HDF5, DICOM, NIfTI, zipped folders) and browsing the output
// trees produced by converting them.
//
// It exposes a single Service interface that orchestrates artifact intake,
// conversion handoff, and read-only access to one or more output roots.
// Implementations of repositories (memory, Postgres, SQLite), artifact stores
// (memory, filesystem, S3) and converters are provided under subpackages.
//
// Output Roots
//
// An output root is an append-only directory tree. Converters write into a
// private staging directory and the finished subtree is published with a single
// rename, so readers never observe partial output. Every client supplied path
// is resolved through outputtree.Resolve, which rejects absolute paths and any
// ".." segment before the filesystem is touched.
package simpleoutput
