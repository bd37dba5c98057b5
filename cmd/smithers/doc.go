// Command smithers runs declarative agent workflows and serves the
// operator API over their persisted history.
//
// Usage:
//
//	smithers run plan.xml                 # execute a plan file to convergence
//	smithers resume --execution <id>      # resume an interrupted execution
//	smithers executions                   # list persisted executions
//	smithers serve                        # start the operator API server
//	smithers migrate up                   # apply database migrations
//	smithers version                      # show version information
//	smithers health                       # probe a running server
package main
