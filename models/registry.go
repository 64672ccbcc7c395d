package models

import (
	"fmt"
	"path/filepath"

	"github.com/alwitt/fruitscan/common"
	"github.com/apex/log"
)

// DefaultKey name used for the fallback fruit and variety
const DefaultKey = "default"

// Entry the models used to evaluate one (fruit, variety)
type Entry struct {
	Brix   BrixPredictor
	Status StatusClassifier
	// Degraded is true when at least one of the models is the default substitute
	Degraded bool
}

// LoadReport summary of a registry load
type LoadReport struct {
	// Loaded pairs with both specific artifacts
	Loaded []common.FruitVariety `json:"loaded"`
	// Fallbacks pairs using at least one default artifact, with the reason
	Fallbacks map[string]string `json:"fallbacks"`
}

// Registry lookup of prediction models per (fruit, variety)
type Registry interface {
	// Resolve return the models for the pair, or the default models
	Resolve(fruit, variety string) Entry
	// Default return the default models
	Default() Entry
	// Report return the load summary
	Report() LoadReport
}

// DefaultArtifacts paths of the default artifacts
type DefaultArtifacts struct {
	BrixPath   string
	StatusPath string
}

// ArtifactPaths file paths of the artifacts for one pair under a model directory
func ArtifactPaths(dir string, pair common.FruitVariety) (string, string) {
	brix := filepath.Join(dir, fmt.Sprintf("BRIX_%s_%s.json", pair.Fruit, pair.Variety))
	status := filepath.Join(dir, fmt.Sprintf("CLF_%s_%s.json", pair.Fruit, pair.Variety))
	return brix, status
}

type registryImpl struct {
	common.Component
	defaults LoadedDefaults
	entries  map[common.FruitVariety]Entry
	report   LoadReport
}

// LoadedDefaults the default models
type LoadedDefaults struct {
	Brix   BrixPredictor
	Status StatusClassifier
}

/*
LoadRegistry load the default models, then the models of every catalog pair

A catalog pair whose artifact is missing or unreadable is assigned the default model.
Failing to load the default models is an error.

	@param catalog []common.FruitVariety - the catalog pairs
	@param dir string - model artifact directory
	@param defaults DefaultArtifacts - default artifact paths
	@return the registry
*/
func LoadRegistry(
	catalog []common.FruitVariety, dir string, defaults DefaultArtifacts,
) (Registry, error) {
	logTags := log.Fields{"module": "models", "component": "registry", "dir": dir}

	defaultBrix, err := LoadBrixArtifact(defaults.BrixPath)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to load default brix model")
		return nil, fmt.Errorf("load default brix model: %w", err)
	}
	defaultStatus, err := LoadStatusArtifact(defaults.StatusPath)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to load default status model")
		return nil, fmt.Errorf("load default status model: %w", err)
	}
	return BuildRegistry(
		catalog, LoadedDefaults{Brix: defaultBrix, Status: defaultStatus},
		func(pair common.FruitVariety) LoadedArtifacts {
			brixPath, statusPath := ArtifactPaths(dir, pair)
			result := LoadedArtifacts{}
			result.Brix, result.BrixErr = LoadBrixArtifact(brixPath)
			result.Status, result.StatusErr = LoadStatusArtifact(statusPath)
			return result
		},
	), nil
}

// LoadedArtifacts the specific models of one pair, each with its own load error
type LoadedArtifacts struct {
	Brix      BrixPredictor
	BrixErr   error
	Status    StatusClassifier
	StatusErr error
}

// ArtifactLoader load the specific models of one pair
type ArtifactLoader func(pair common.FruitVariety) LoadedArtifacts

// BuildRegistry build a registry from already loaded default models
func BuildRegistry(
	catalog []common.FruitVariety, defaults LoadedDefaults, loader ArtifactLoader,
) Registry {
	logTags := log.Fields{"module": "models", "component": "registry"}
	instance := &registryImpl{
		Component: common.Component{LogTags: logTags},
		defaults:  defaults,
		entries:   make(map[common.FruitVariety]Entry),
		report: LoadReport{
			Loaded: []common.FruitVariety{}, Fallbacks: map[string]string{},
		},
	}

	for _, pair := range catalog {
		if _, ok := instance.entries[pair]; ok {
			continue
		}
		loaded := loader(pair)
		brixErr, statusErr := loaded.BrixErr, loaded.StatusErr
		entry := Entry{Brix: loaded.Brix, Status: loaded.Status}
		if brixErr != nil {
			log.WithError(brixErr).WithFields(logTags).Warnf(
				"Brix model for %s unavailable, using default", pair,
			)
			entry.Brix = defaults.Brix
			entry.Degraded = true
			instance.report.Fallbacks[pair.String()] = brixErr.Error()
		}
		if statusErr != nil {
			log.WithError(statusErr).WithFields(logTags).Warnf(
				"Status model for %s unavailable, using default", pair,
			)
			entry.Status = defaults.Status
			entry.Degraded = true
			if _, ok := instance.report.Fallbacks[pair.String()]; !ok {
				instance.report.Fallbacks[pair.String()] = statusErr.Error()
			}
		}
		if !entry.Degraded {
			instance.report.Loaded = append(instance.report.Loaded, pair)
		}
		instance.entries[pair] = entry
	}
	log.WithFields(logTags).Infof(
		"Loaded models for %d pairs, %d using defaults",
		len(instance.entries), len(instance.report.Fallbacks),
	)
	return instance
}

func (r *registryImpl) Resolve(fruit, variety string) Entry {
	if entry, ok := r.entries[common.FruitVariety{Fruit: fruit, Variety: variety}]; ok {
		return entry
	}
	return r.Default()
}

func (r *registryImpl) Default() Entry {
	return Entry{Brix: r.defaults.Brix, Status: r.defaults.Status, Degraded: true}
}

func (r *registryImpl) Report() LoadReport {
	return r.report
}
