// Package langsmith is the client-side tracing core of the LangSmith Go
// SDK: it builds a run tree out of traced function calls, batches and
// sends that tree to a LangSmith-compatible ingest endpoint, and exposes
// the ambient-context, sampling, and propagation machinery needed to
// stitch runs together across goroutines and process boundaries.
//
// The usual entry point is Start to install a package-level client, then
// wrapping the functions worth tracing with TraceFunc (or one of its
// streaming siblings for functions that return an iterator or channel):
//
//	langsmith.Start(langsmith.WithAPIKey(os.Getenv("LANGSMITH_API_KEY")))
//	defer langsmith.Stop(context.Background())
//
//	answer := langsmith.TraceFunc(langsmith.TraceConfig{Name: "answer", RunType: langsmith.RunTypeChain}, answerQuestion)
//	out, err := answer(ctx, in)
//
// Applications that need more than one destination, or that don't want a
// package-level singleton, construct a *Client directly with NewClient
// and pass it via TraceConfig.Client.
package langsmith
