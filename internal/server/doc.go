// Package server implements the HTTP and WebSocket transport of the relay.
//
// The Hub owns every live Client; each Client reads envelopes, decodes them
// and hands them to a Dispatcher, and writes queued outbound envelopes one
// frame at a time. Configuration comes from the environment, optionally
// overlaid with a JSON file that is watched for runtime-tunable changes.
package server
