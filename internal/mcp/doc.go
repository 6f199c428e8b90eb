// Package mcp implements the Model Context Protocol (MCP) server for a
// repository knowledge base.
//
// The server exposes the sync workflows of package kb to AI coding
// assistants. Source documents (DOCX, PPTX, PDF) stay where they are; the
// server keeps a plain-text copy of each under the cache root and hands
// out repository-relative paths, so clients read the text with their own
// file tools.
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs never go to stdout; it is reserved for protocol messages.
//
// # Basic Usage
//
//	escarabajo --repo /path/to/repo serve
//
// # Tools
//
//   - scan_repo: list source documents matching the configured globs
//   - sync_all: bring every source's cached text up to date
//   - sync_paths: bring specific sources up to date
//   - get_text_path: ensure one source and return its text path
//   - list_kb: list cached text files
//   - purge_outputs: delete cached text files and their ledger entries
//   - read_text: read a cached text file (requires expose_content)
//   - config_get, config_set: inspect and update the configuration
//   - get_status: ledger totals and recent runs
//   - list_prompts, get_prompt: the prompt pack
//
// # Tool: get_text_path
//
//	Request:
//	{
//	  "name": "get_text_path",
//	  "arguments": {"path": "docs/design.docx"}
//	}
//
//	Response:
//	{
//	  "src": "docs/design.docx",
//	  "out": ".escarabajo/kb/docs/design.docx.md"
//	}
//
// # Tool: sync_paths
//
// Results come back in input order. A source that fails does not fail the
// call; it is reported with status "error" and a reason.
//
//	Request:
//	{
//	  "name": "sync_paths",
//	  "arguments": {"paths": ["docs/a.docx", "docs/missing.pdf"]}
//	}
//
//	Response:
//	{
//	  "run_id": "6f1c0b7e-...",
//	  "processed": 2,
//	  "ok": 1,
//	  "skipped": 0,
//	  "errors": 1,
//	  "out_paths": [".escarabajo/kb/docs/a.docx.md"],
//	  "results": [
//	    {"src": "docs/a.docx", "out": ".escarabajo/kb/docs/a.docx.md", "status": "ok"},
//	    {"src": "docs/missing.pdf", "out": "", "status": "error", "reason": "source file does not exist: ..."}
//	  ]
//	}
//
// # Error Codes
//
// Failures that reject a whole call are returned as MCP errors:
//
//	-32602: Invalid parameters
//	-32603: Internal error
//	-32001: Source not found
//	-32002: Path escapes the repository or cache root
//	-32003: Extraction failed or timed out
//	-32004: Lock timeout
//	-32005: Content exposure disabled
//	-32006: Artifact not found
//	-32007: Unsupported file type
//	-32008: Corrupt ledger
//	-32009: Canceled
//	-32010: Artifact write failed
//	-32011: OCR unavailable
//	-32012: Invalid glob pattern
//
// # Prompts
//
// Every template in package prompts is also registered as a native MCP
// prompt taking the same arguments.
package mcp
