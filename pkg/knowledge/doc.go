// Package knowledge retrieves reference documents for a user message.
//
// Two backends implement Retriever:
//   - Index: markdown files indexed into sqlite (FTS5 keyword search plus
//     sqlite-vec vectors when an embedder is configured), kept fresh by an
//     fsnotify watcher.
//   - QdrantRetriever: a qdrant collection queried by embedding.
//
// Documents carry tags from their YAML front matter; a Filter keeps only
// documents whose tags match every key.
package knowledge
