// Package collabreg is an extension point for cmd/clonemgr's external
// collaborators. RepoStore, the transfer engine, the peer layer, and the
// merge engines are out of this module's scope by design (spec §1: "only
// their Go interface is defined") and ship only as test fakes (spec
// SPEC_FULL.md §4.8) — cmd/clonemgr itself carries no production
// implementation of them. An embedding Go program links its own
// adapters in by setting these package-level factories from an init
// function (or main) before invoking the CLI, the same registration
// idiom database/sql uses for drivers: package main cannot be imported,
// so the registry has to live somewhere importable.
package collabreg

import (
	"github.com/cloneforge/clonemgr/internal/config"
	"github.com/cloneforge/clonemgr/internal/ports"
)

// RepoStoreFactory builds the repository-record collaborator.
type RepoStoreFactory func(cfg *config.Config) (ports.RepoStore, error)

// TransferEngineFactory builds the bulk object transfer collaborator.
type TransferEngineFactory func(cfg *config.Config) (ports.TransferEngine, error)

// PeerLayerFactory builds the peer connectivity collaborator.
type PeerLayerFactory func(cfg *config.Config) (ports.PeerLayer, error)

// MergeEnginesFactory builds the two-way/three-way merge collaborator.
type MergeEnginesFactory func(cfg *config.Config) (ports.MergeEngines, error)

// Registered factories; nil until an embedding program sets them.
var (
	RepoStore RepoStoreFactory
	Transfer  TransferEngineFactory
	Peers     PeerLayerFactory
	Merge     MergeEnginesFactory
)
