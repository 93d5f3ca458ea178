/*
Package rpc provides a client and server for asking a remote instrument server to run instrument commands. It uses WebSockets for messaging so only requires an HTTPS server.

Instruments are not scoped to the WebSocket connection: they live in the server's Backend until deleted or until the backend restarts, so a client may reconnect and keep using instrument IDs it already has.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The client sends a request message with a unique ID and a Kind of "connect", "cmd" or "delete".
3. Unless the request has NoReply set, the server runs it and sends back a response message with the same ID, carrying either a value or an error.
4. The client initiates closing of the WebSocket connection when it is done.

The server handles the requests of one connection strictly in order, so a NoReply request is always executed before any request sent after it.
*/
package rpc
