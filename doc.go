// Package mcp implements the server side of the Model Context Protocol (MCP), providing a
// framework for exposing tools, prompts and resources to Large Language Model (LLM)
// applications. This implementation follows the official specification from
// https://modelcontextprotocol.io/specification/.
//
// A Server owns the protocol core: the session state machine, the method router with its
// interceptor chain, the handler families and the task engine that runs task-augmented tool
// calls in the background. Transports feed it decoded JSON-RPC messages:
// StreamableHTTPServer serves the streamable HTTP transport with resumable server-sent event
// streams, and StdIOServer serves a single session over stdin and stdout.
//
// State lives behind the Store interface. MemoryStore keeps it in process; the sqlstore
// package persists it in SQLite or PostgreSQL so sessions, event streams and tasks survive a
// restart.
//
// A minimal server:
//
//	reg := mcp.NewRegistry()
//	_ = reg.AddTool(mcp.Tool{Name: "echo"}, echo)
//
//	srv := mcp.NewServer(mcp.Info{Name: "demo", Version: "1.0.0"}, mcp.WithRegistry(reg))
//	go srv.Run(ctx)
//
//	http.Handle("/mcp", mcp.NewStreamableHTTPServer(srv))
package mcp
