/*
Package cli implements the gpubatch command line. Every command builds an
in-process Scheduler from the YAML config (scheduler/setup); with the sqlite
store, state carries over between invocations.

Commands:

	run     submit a jobs file, print the plan preview and execute it
	status  print stored jobs by id
	config  print the effective configuration

Errors returned by Exec carry an exit code (common/errors).
*/
package cli
