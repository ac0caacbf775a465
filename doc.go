// Package anchora provides a grounded question-answering service over an
// enterprise document index.
//
// Anchora answers natural-language questions by retrieving evidence from a
// configured search index (optionally supplemented with web results),
// synthesizing an answer with an LLM, and citing the passages it used. Every
// answer is grounded: the pipeline refuses to invent sources, grades its own
// evidence, and falls back or abstains when retrieval comes up empty.
//
// # Quick Start
//
// Install Anchora:
//
//	go install github.com/kadirpekel/anchora/cmd/anchora@latest
//
// Create a configuration:
//
//	llms:
//	  gpt:
//	    provider: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//
//	search:
//	  endpoint: "https://acme.search.windows.net"
//	  api_key: "${SEARCH_API_KEY}"
//	  index: "handbook"
//
// Start the server:
//
//	anchora serve --config anchora.yaml
//
// Ask a question:
//
//	curl -s localhost:8080/v1/ask -d '{"messages":[{"role":"user","content":"What is the travel policy?"}]}'
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/kadirpekel/anchora/pkg/config"
//	    "github.com/kadirpekel/anchora/pkg/runtime"
//	    "github.com/kadirpekel/anchora/pkg/session"
//	)
//
// Build a runtime from configuration and drive the orchestrator directly:
//
//	cfg, _, err := config.LoadConfigFile(ctx, "anchora.yaml")
//	if err != nil { ... }
//	rt, err := runtime.New(cfg)
//	if err != nil { ... }
//	defer rt.Close()
//	resp, err := rt.Orchestrator().Run(ctx, session.Request{...})
//
// # Key Features
//
//   - Grounded answers with inline citations to index documents
//   - Multi-stage pipeline: intent routing, query planning, decomposition,
//     hybrid retrieval, rank fusion, evidence grading, critic review
//   - Streaming (SSE) and synchronous modes over one HTTP endpoint
//   - Session memory: short-term conversation state plus optional
//     long-term vector memory (chromem, qdrant, pinecone, SQL backends)
//   - Hot-reloadable feature layer without a restart
//   - Per-session telemetry with aggregate snapshots
//
// # Alpha Status
//
// Anchora is under active development. APIs may change between minor
// versions.
package anchora
