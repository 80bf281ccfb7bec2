// Package core defines core types.
package core

// Labels represents key-value metadata attached to lifecycle events.
type Labels map[string]string

// Label naming constants following {scope}.{field} convention.
const (
	LabelSessionID    = "session.id"
	LabelDevicePath   = "device.path"
	LabelPixelFormat  = "device.pixel_format"
	LabelTransport    = "transport.mode"
	LabelPeerAddr     = "transport.peer"
	LabelErrorMessage = "error.message"
)
