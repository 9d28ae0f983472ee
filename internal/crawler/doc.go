// Package crawler holds the shared vocabulary of the harvester: sources, crawl
// jobs, fetch outcomes, fingerprints and index records, the error taxonomy,
// URL normalization, and the interfaces implemented by stores, fetchers and
// discovery providers.
package crawler
