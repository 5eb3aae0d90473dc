// Package protocol defines the wire format spoken with the task host.
//
// Every message is one UTF-8 JSON object terminated by a newline. The
// envelope carries a type tag, the origin, a correlation id and an opaque
// data field:
//
//	{"type":"command","origin":"client","correlationId":"6f1c…","data":{"commandName":"IsReady"}}
//	{"type":"command","origin":"server","correlationId":"6f1c…","data":true}
//	{"type":"event","origin":"server","data":{"event":"taskStarted","payload":{"id":"t1"}}}
//	{"type":"ack","origin":"server","data":{"clientId":"c1","pid":4242,"ppid":1}}
//
// Field names are camelCase throughout. The snake_case spellings used by some
// older hosts (client_id, command_name) are not accepted.
//
// Replies reuse the command type with origin server; the correlation id binds
// them to the request. Events are not correlated and are fanned out by name.
package protocol
