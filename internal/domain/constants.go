package domain

import "time"

const (
	GatewayName                = "unified-mcp-gateway"
	GatewayVersion             = "1.0.0"
	DefaultProtocolVersion     = "2024-11-05"
	DefaultPrimaryPort         = 3000
	DefaultFallbackPort        = 3001
	DefaultListTimeout         = 5 * time.Second
	DefaultCallTimeout         = 30 * time.Second
	DefaultConnectTimeout      = 10 * time.Second
	DefaultMaxReconnect        = 3
	DefaultReconnectBaseDelay  = time.Second
	DefaultAggregateConcurrent = 8
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultDBPoolMax           = 10
	DefaultDBPoolIdleTimeout   = 30 * time.Second
	DefaultDBPoolConnTimeout   = 10 * time.Second
	DefaultDBPoolMaxUses       = 7500
)
