// Package producers contains the built-in task producers run by the supervisor.
package producers
