// Command rsub runs the peer-to-peer agent node.
//
// Usage:
//
//	rsub serve                      # start the node
//	rsub serve --config config.yaml # with a config file
//	rsub version                    # show version information
//	rsub health                     # probe a running node
package main
