// Package gear implements the client side of the Gearman distributed job
// queue protocol: a connection pool spanning one or more Gearman servers,
// a background reconnector, and the Client and Worker roles built on top
// of it.
//
// A Client submits jobs and tracks their progress; a Worker registers
// functions it can perform and retrieves jobs assigned to it. Both share
// the same connection-pool machinery in base.go, customized through the
// roleHooks interface.
package gear
