// Package ports defines the interfaces between the event queue core and its
// adapters: the EventLog storage contract and the metrics sink.
package ports
