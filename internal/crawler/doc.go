// Package crawler holds the crawl domain shared across the pipeline: the
// fetched Page type, per-page error classification, URL normalization and
// documentation-path filtering, the politeness pause, the retry policy,
// and the four discovery strategies (single page, frameset, sitemap,
// breadth-first link following) selected once per crawl by Detect.
package crawler
