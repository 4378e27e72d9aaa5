// Command lattice is the single binary for the coordinator, the node agent,
// and the admin commands that manage libraries, files, trees, jobs, and
// nodes.
//
// Admin writes (libraries, files, trees, node settings) open the coordinator
// database directly and must run on the coordinator host. Job and node
// listings and operator requeues go through the HTTP API so they work from
// any machine holding the API token.
package main
