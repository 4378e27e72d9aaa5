// Package graph models workflow trees: the nodes and edges an operator
// authors, the scheduling requirements attached to them, and the minimized
// payload shipped to nodes with each transcode job.
//
// Navigation rules live here so the coordinator's payload resolver and the
// node's walker agree on how a handle selects the next edge.
package graph
