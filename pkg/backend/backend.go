// Package backend provides the pieces a grid node runs on: the local write pipeline,
// the persistent stores behind it (pebble for node-local data, redis for data shared
// by every node), an in-memory transaction table, and the HTTP transport the nodes
// exchange state transfer messages with.
//
// Everything here plugs into the interfaces of pkg/statetransfer:
//   - LocalPipeline implements statetransfer.WritePipeline
//   - PebbleStore and RedisStore implement statetransfer.LocalStore
//   - MemoryTxTable implements statetransfer.TransactionTable
//   - DistHTTPTransport implements statetransfer.Transport and DistHTTPServer serves a
//     statetransfer.Handler
package backend

import "github.com/hyp3rd/hypergrid/pkg/statetransfer"

var (
	_ statetransfer.WritePipeline    = (*LocalPipeline)(nil)
	_ statetransfer.LocalStore       = (*PebbleStore)(nil)
	_ statetransfer.LocalStore       = (*RedisStore)(nil)
	_ statetransfer.TransactionTable = (*MemoryTxTable)(nil)
	_ statetransfer.Transport        = (*DistHTTPTransport)(nil)
)
