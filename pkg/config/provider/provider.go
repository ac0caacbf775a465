// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provider abstracts where configuration bytes come from. A source
// is anything that can hand back the raw document and, optionally, signal
// when it changes: a local file, a consul KV key, an etcd key, or a
// zookeeper node. The loader above this package neither knows nor cares
// which one it is talking to.
package provider

import (
	"context"
	"fmt"
)

// Type names a config source kind.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType maps a user-supplied source name onto a Type. The empty string
// means file, and "zk" is accepted as zookeeper shorthand.
func ParseType(s string) (Type, error) {
	switch s {
	case "file", "":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "etcd":
		return TypeEtcd, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", s)
	}
}

// Provider is one config source. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Type identifies the source kind for logging.
	Type() Type

	// Load reads the raw config document.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a value whenever the source
	// changes. A nil channel (with nil error) means the source cannot
	// watch; cancelling ctx stops an active watch.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases connections or watchers held by the source.
	Close() error
}

// ProviderConfig selects and addresses a source.
type ProviderConfig struct {
	// Type of source; empty defaults to file.
	Type Type

	// Path is the file path or the key/node path for remote sources.
	Path string

	// Endpoints of the remote cluster; ignored by the file source.
	Endpoints []string
}

// New builds the source opts describes.
func New(opts ProviderConfig) (Provider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	switch opts.Type {
	case TypeFile, "":
		return NewFileProvider(opts.Path)
	case TypeConsul:
		return NewConsulProvider(opts.Endpoints, opts.Path)
	case TypeEtcd:
		return NewEtcdProvider(opts.Endpoints, opts.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(opts.Endpoints, opts.Path)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", opts.Type)
	}
}
