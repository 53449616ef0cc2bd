// Package gateway provides the public API for embedding the chat gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/runtime"
)

// Gateway is the main entry point for running the chat gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite          = runtime.WithSQLite
	WithPostgres        = runtime.WithPostgres
	WithMemoryStorage   = runtime.WithMemoryStorage
	WithStorageProvider = runtime.WithStorageProvider

	// Events
	WithDirectEvents   = runtime.WithDirectEvents
	WithEventPublisher = runtime.WithEventPublisher

	// Request path
	WithAuthenticator   = runtime.WithAuthenticator
	WithAdmissionPolicy = runtime.WithAdmissionPolicy
	WithUpstreamClient  = runtime.WithUpstreamClient

	// Process
	WithLogger   = runtime.WithLogger
	WithLevelVar = runtime.WithLevelVar
	WithListener = runtime.WithListener
)
