package mcpserver

// ProtocolContract describes the sync protocol spoken on /ws/{document} so
// that LLM consumers can explain or debug client behaviour.
const ProtocolContract = `# Weave Sync Protocol

Clients connect to ` + "`" + `/ws/{document}` + "`" + ` with a WebSocket. Every binary message
is one frame.

## Documents

- ` + "`" + `{room}` + "`" + ` is the file tree of a room. Nodes live in the map ` + "`" + `fs` + "`" + ` under
  the keys ` + "`" + `<id>.type` + "`" + `, ` + "`" + `<id>.name` + "`" + `, ` + "`" + `<id>.parent` + "`" + ` and ` + "`" + `<id>.content` + "`" + `.
- ` + "`" + `{room}/{contentRef}` + "`" + ` holds a file body in the text ` + "`" + `content` + "`" + `.

## Frame

A protobuf-wire message with two fields:

| Field | Type   | Meaning          |
|-------|--------|------------------|
| 1     | varint | kind             |
| 2     | bytes  | payload          |

| Kind | Name          | Payload                                  |
|------|---------------|------------------------------------------|
| 1    | update        | document update                          |
| 2    | awareness     | JSON array of awareness entries          |
| 3    | sync-request  | encoded state vector                     |
| 4    | sync-response | update carrying what the peer is missing |
| 5    | auth          | bearer token, only as the first frame    |

## Handshake

1. Authenticate with ` + "`" + `Authorization: Bearer <token>` + "`" + `, ` + "`" + `?token=` + "`" + `, or an auth frame.
2. The server answers with a sync-response holding the full document and an
   awareness frame with the current states.
3. The client sends its own state as an update so offline edits merge.

## Close codes

| Code | Meaning                          |
|------|----------------------------------|
| 4400 | invalid document name            |
| 4401 | unauthorized                     |
| 4503 | document could not be loaded     |
| 1007 | malformed frame                  |
| 1013 | too slow, or the document was evicted; reconnect |
`
